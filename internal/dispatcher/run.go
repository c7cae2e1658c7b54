package dispatcher

import (
	"context"
	"jobexec/internal/admission"
	"jobexec/internal/job"
	"jobexec/internal/notify"
	"jobexec/internal/result"
	"jobexec/internal/supervisor"
	"jobexec/pkg/cloudevent"
	"log/slog"
	"sync"
)

// logBatchLines is how many output lines are sent per log callback.
const logBatchLines = 64

// execute runs one admitted job to completion. The result is stored before
// the admission slot is released.
func (d *Dispatcher) execute(ctx context.Context, desc *job.Descriptor, sup *supervisor.Supervisor, ticket *admission.Ticket, events *jobEvents) {
	defer d.wg.Done()
	logger := d.logger.With("jobId", desc.ID(), "kind", desc.Kind())

	res := sup.Run(ctx)
	res.Fingerprint = desc.Fingerprint()
	events.flushLogs()

	if err := d.store.Put(*res); err != nil {
		logger.Error("Result write rejected", "error", err)
		if rmErr := result.RemoveArtifact(*res); rmErr != nil {
			logger.Warn("Failed to remove artifact", "error", rmErr)
		}
	}

	d.mu.Lock()
	if r, ok := d.running[desc.ID()]; ok {
		r.cancel()
		delete(d.running, desc.ID())
	}
	d.mu.Unlock()
	ticket.Release()

	if d.metrics != nil {
		d.metrics.RecordJobCompleted(context.Background(), string(desc.Kind()), string(res.State), res.Duration().Seconds())
	}
	events.exit(res)

	attrs := []any{"state", res.State, "duration", res.Duration()}
	if res.ExitCode != nil {
		attrs = append(attrs, "exitCode", *res.ExitCode)
	}
	if res.ErrorDetail != "" {
		attrs = append(attrs, "detail", res.ErrorDetail)
	}
	if res.State == job.StateSucceeded {
		logger.Info("Job finished", attrs...)
	} else {
		logger.Warn("Job finished", attrs...)
	}
}

func (d *Dispatcher) supervisorConfig(events *jobEvents) supervisor.Config {
	cfg := supervisor.Config{
		Grace:        d.cfg.TerminationGrace,
		CaptureLimit: d.cfg.CaptureLimit,
	}
	if events != nil {
		cfg.OnStart = events.start
		if events.wants(job.EventTypeLog) {
			cfg.OnLine = events.line
		}
	}
	return cfg
}

// jobEvents sends lifecycle callbacks for one job. A nil *jobEvents sends
// nothing.
type jobEvents struct {
	notifier notify.Notifier
	builder  *job.EventBuilder
	callback *job.Callback
	key      string
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string][]string
}

func (d *Dispatcher) newJobEvents(desc *job.Descriptor) *jobEvents {
	cb := desc.Callback()
	if cb == nil {
		return nil
	}
	key := cb.Key
	if key == "" {
		key = d.cfg.SigningKey
	}
	return &jobEvents{
		notifier: d.notifier,
		builder:  job.NewEventBuilder(desc, d.cfg.EventSource),
		callback: cb,
		key:      key,
		logger:   d.logger.With("jobId", desc.ID()),
		pending:  make(map[string][]string),
	}
}

func (e *jobEvents) wants(eventType string) bool {
	return e != nil && job.FilteredEvents(eventType, e.callback.Events)
}

func (e *jobEvents) start(pid int) {
	if e.wants(job.EventTypeStart) {
		e.send(e.builder.BuildStartEvent(pid))
	}
}

func (e *jobEvents) line(stream, line string) {
	e.mu.Lock()
	e.pending[stream] = append(e.pending[stream], line)
	var batch []string
	if len(e.pending[stream]) >= logBatchLines {
		batch = e.pending[stream]
		e.pending[stream] = nil
	}
	e.mu.Unlock()

	if batch != nil {
		e.send(e.builder.BuildLogEvent(batch, stream))
	}
}

func (e *jobEvents) flushLogs() {
	if e == nil {
		return
	}
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[string][]string)
	e.mu.Unlock()

	for _, stream := range []string{"stdout", "stderr"} {
		if lines := pending[stream]; len(lines) > 0 {
			e.send(e.builder.BuildLogEvent(lines, stream))
		}
	}
}

func (e *jobEvents) exit(res *job.Result) {
	if e.wants(job.EventTypeExit) {
		e.send(e.builder.BuildExitEvent(res))
	}
}

func (e *jobEvents) send(payload *cloudevent.CloudEvent) {
	// The notifier logs drops itself.
	if err := e.notifier.Notify(&notify.Event{
		Payload:     payload,
		Destination: e.callback.URL,
		SigningKey:  e.key,
	}); err != nil {
		e.logger.Debug("Callback not queued", "type", payload.Type, "error", err)
	}
}
