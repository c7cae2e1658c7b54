// Package dispatcher schedules job descriptors onto engine processes under
// per-kind admission control and records their results.
package dispatcher

import (
	"context"
	"errors"
	"jobexec/internal/admission"
	"jobexec/internal/apperrors"
	"jobexec/internal/engine"
	"jobexec/internal/job"
	"jobexec/internal/notify"
	"jobexec/internal/result"
	"jobexec/internal/supervisor"
	"log/slog"
	"sync"
	"time"
)

// MetricsRecorder is an optional interface for recording job metrics.
type MetricsRecorder interface {
	RecordJobSubmitted(ctx context.Context, kind string)
	RecordJobRejected(ctx context.Context, kind, reason string)
	RecordJobCompleted(ctx context.Context, kind, state string, durationSeconds float64)
}

// Config holds configuration for the dispatcher.
type Config struct {
	Engines             *engine.Set                       // adapters per kind (required)
	Gates               map[job.Kind]admission.GateConfig // admission per kind; missing kinds get capacity 1
	Store               *result.Store                     // result store (required)
	Notifier            notify.Notifier                   // callback delivery (default: discard)
	Metrics             MetricsRecorder                   // optional
	TerminationGrace    time.Duration                     // SIGTERM to SIGKILL (default: 5s)
	CaptureLimit        int                               // per-stream capture cap (default: 1MiB)
	MaintenanceInterval time.Duration                     // sweep period (default: 1m)
	OutputMaxBytes      int64                             // artifact bytes kept across results, 0 = unbounded
	EventSource         string                            // CloudEvents source (default: "jobexec")
	SigningKey          string                            // HMAC key for callbacks that carry none
}

// Dispatcher implements job.Orchestrator with local engine processes.
type Dispatcher struct {
	engines  *engine.Set
	gates    map[job.Kind]*admission.Gate
	store    *result.Store
	notifier notify.Notifier
	metrics  MetricsRecorder
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[string]*run
	closed  bool
	wg      sync.WaitGroup

	cancelMaintenance context.CancelFunc
	maintenanceDone   chan struct{}
}

// run is an admitted job that has not yet published its result.
type run struct {
	cancel context.CancelFunc
	handle *supervisor.Handle
}

// New creates a dispatcher and starts its maintenance loop.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Engines == nil {
		return nil, errors.New("engine set is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("result store is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard{}
	}
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = 5 * time.Second
	}
	if cfg.CaptureLimit <= 0 {
		cfg.CaptureLimit = 1 << 20
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Minute
	}
	if cfg.EventSource == "" {
		cfg.EventSource = "jobexec"
	}

	d := &Dispatcher{
		engines:         cfg.Engines,
		gates:           make(map[job.Kind]*admission.Gate),
		store:           cfg.Store,
		notifier:        cfg.Notifier,
		metrics:         cfg.Metrics,
		cfg:             cfg,
		logger:          slog.With("component", "dispatcher"),
		now:             time.Now,
		running:         make(map[string]*run),
		maintenanceDone: make(chan struct{}),
	}
	for _, k := range cfg.Engines.Kinds() {
		d.gates[k] = admission.NewGate(k, cfg.Gates[k])
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelMaintenance = cancel
	go d.runMaintenance(ctx, cfg.MaintenanceInterval)

	return d, nil
}

// Submit admits a descriptor and starts it in the background. It never
// blocks on capacity: a full gate yields an overloaded error immediately.
// A descriptor that allows reuse is answered by a retained succeeded job
// with the same fingerprint when one exists; no slot is taken then.
func (d *Dispatcher) Submit(ctx context.Context, desc *job.Descriptor) (string, error) {
	logger := d.logger.With("jobId", desc.ID(), "kind", desc.Kind())

	adapter, err := d.engines.For(desc.Kind())
	if err != nil {
		logger.Info("Job rejected", "outcome", "invalid", "error", err)
		return "", err
	}
	spec, err := adapter.BuildInvocation(desc)
	if err != nil {
		logger.Info("Job rejected", "outcome", "invalid", "error", err)
		return "", err
	}
	if !desc.Deadline().After(d.now()) {
		err := apperrors.Validation("timeoutSeconds", "deadline has already passed")
		logger.Info("Job rejected", "outcome", "invalid", "error", err)
		return "", err
	}

	if desc.Reuse() {
		if e, ok := d.store.Lookup(desc.Fingerprint()); ok {
			logger.Info("Job answered from retained result", "outcome", "reused", "reusedId", e.ID)
			return e.ID, nil
		}
	}

	ticket, err := d.gates[desc.Kind()].Acquire()
	if err != nil {
		reason := admission.ReasonCapacity
		var appErr *apperrors.Error
		if errors.As(err, &appErr) && appErr.Reason != "" {
			reason = appErr.Reason
		}
		if d.metrics != nil {
			d.metrics.RecordJobRejected(ctx, string(desc.Kind()), reason)
		}
		logger.Warn("Job rejected", "outcome", "overloaded", "reason", reason)
		return "", err
	}

	if err := d.store.Reserve(desc.ID(), desc.Kind(), desc.SubmittedAt()); err != nil {
		ticket.Release()
		logger.Info("Job rejected", "outcome", "duplicate", "error", err)
		return "", err
	}

	events := d.newJobEvents(desc)
	sup := supervisor.New(desc, spec, adapter, d.supervisorConfig(events))
	runCtx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		ticket.Release()
		d.store.Unreserve(desc.ID())
		logger.Info("Job rejected", "outcome", "shutting_down")
		return "", apperrors.Overloaded(string(desc.Kind()), "shutting down")
	}
	d.running[desc.ID()] = &run{cancel: cancel, handle: sup.Handle()}
	d.wg.Add(1)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordJobSubmitted(ctx, string(desc.Kind()))
	}
	logger.Info("Job admitted", "outcome", "admitted", "deadline", desc.Deadline())

	go d.execute(runCtx, desc, sup, ticket, events)
	return desc.ID(), nil
}

// Poll returns the job's status: pending with its current phase, or the
// terminal result.
func (d *Dispatcher) Poll(_ context.Context, jobID string) (*job.Status, error) {
	e, err := d.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	st := d.status(e)
	return &st, nil
}

// Cancel terminates a pending job. It reports false for unknown jobs and
// jobs that already reached a terminal state.
func (d *Dispatcher) Cancel(_ context.Context, jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.running[jobID]
	if !ok || r.handle.State().Terminal() {
		return false
	}
	r.cancel()
	d.logger.Info("Job cancellation requested", "jobId", jobID, "phase", r.handle.State())
	return true
}

// Ack removes a terminal result and its artifact.
func (d *Dispatcher) Ack(_ context.Context, jobID string) error {
	res, err := d.store.Ack(jobID)
	if err != nil {
		return err
	}
	if err := result.RemoveArtifact(res); err != nil {
		d.logger.Warn("Failed to remove artifact", "jobId", jobID, "error", err)
	}
	return nil
}

// List returns the status of every retained job, oldest submission first.
// Captured output is left out; Poll returns it for a single job.
func (d *Dispatcher) List(_ context.Context) ([]job.Status, error) {
	entries := d.store.List()
	statuses := make([]job.Status, 0, len(entries))
	for _, e := range entries {
		st := d.status(e)
		if st.Result != nil {
			r := *st.Result
			r.Stdout, r.Stderr = "", ""
			st.Result = &r
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// Stats returns admission statistics per configured kind.
func (d *Dispatcher) Stats() []admission.Stats {
	kinds := d.engines.Kinds()
	stats := make([]admission.Stats, 0, len(kinds))
	for _, k := range kinds {
		stats = append(stats, d.gates[k].Stats())
	}
	return stats
}

// Ready checks that every engine binary resolves.
func (d *Dispatcher) Ready(ctx context.Context) error {
	return d.engines.Ready(ctx)
}

// Close cancels running jobs, waits for them to publish their results, and
// stops maintenance. Artifacts of retained results are removed since results
// do not outlive the process.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, r := range d.running {
		r.cancel()
	}
	inFlight := len(d.running)
	d.mu.Unlock()

	d.logger.Info("Dispatcher shutting down", "inFlight", inFlight)
	d.wg.Wait()

	d.cancelMaintenance()
	<-d.maintenanceDone

	for _, e := range d.store.List() {
		if e.Result != nil {
			_ = result.RemoveArtifact(*e.Result)
		}
	}
	d.logger.Info("Dispatcher shutdown complete")
	return nil
}

// status builds the client view of a stored entry.
func (d *Dispatcher) status(e result.Entry) job.Status {
	st := job.Status{
		ID:          e.ID,
		Kind:        e.Kind,
		SubmittedAt: e.SubmittedAt,
	}
	if !e.Pending() {
		st.State = e.Result.State
		st.Result = e.Result
		return st
	}

	// A terminal handle means the result is about to be published; no phase.
	st.State = job.StatePending
	d.mu.Lock()
	if r, ok := d.running[e.ID]; ok {
		if phase := r.handle.State(); !phase.Terminal() {
			st.Phase = phase
		}
	}
	d.mu.Unlock()
	return st
}

var _ job.Orchestrator = (*Dispatcher)(nil)
