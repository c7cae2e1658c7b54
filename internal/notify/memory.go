package notify

import (
	"context"
	"errors"
	"jobexec/pkg/cloudevent"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
)

// Memory is an in-memory async notifier.
// Events are queued in a bounded channel and delivered by a worker pool.
// If the buffer is full, events are dropped (logged + metric incremented).
type Memory struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *breakers
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyRequeued(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory notifier and starts its workers.
func NewMemory(cfg Config, metrics MetricsRecorder) *Memory {
	cfg = cfg.withDefaults()

	n := &Memory{
		queue:    make(chan *Event, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout, cfg.UserAgent),
		breakers: newBreakers(cfg.BreakerThreshold, cfg.BreakerCooldown),
		config:   cfg,
		logger:   slog.With("component", "notifier"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}

	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

// reportQueueSize periodically reports the queue size metric.
func (n *Memory) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordNotifyQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

// Notify queues an event for async delivery.
func (n *Memory) Notify(event *Event) error {
	if n.closed.Load() {
		return ErrClosed
	}

	select {
	case n.queue <- event:
		n.queued.Add(1)
		return nil
	default:
		n.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current notifier statistics.
func (n *Memory) Stats() Stats {
	total, open := n.breakers.counts()
	return Stats{
		QueueDepth:    len(n.queue),
		Queued:        n.queued.Load(),
		Delivered:     n.delivered.Load(),
		Failed:        n.failed.Load(),
		Dropped:       n.dropped.Load(),
		Requeued:      n.requeued.Load(),
		RetriesTotal:  n.retriesTotal.Load(),
		BreakersTotal: total,
		BreakersOpen:  open,
	}
}

// Close gracefully shuts down the notifier.
func (n *Memory) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Memory) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drainQueue()
			return
		case event := <-n.queue:
			n.deliver(event)
		}
	}
}

// drainQueue delivers remaining events after the shutdown signal.
func (n *Memory) drainQueue() {
	for {
		select {
		case event := <-n.queue:
			n.deliver(event)
		default:
			return
		}
	}
}

// deliver sends one event through its host's breaker, retrying transient
// failures inside the breaker call.
func (n *Memory) deliver(event *Event) {
	host := extractHost(event.Destination)
	cb := n.breakers.get(host)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, n.sendWithRetry(ctx, event)
	})

	switch {
	case err == nil:
		n.delivered.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
		}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		n.requeue(event, host)
	default:
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(ctx)
		}
		n.logger.Warn("Delivery failed", "destination", host, "type", event.Payload.Type, "error", err)
	}
}

// requeue puts an event back in the queue after the breaker cooldown.
func (n *Memory) requeue(event *Event, host string) {
	if event.Requeues >= n.config.MaxRequeues {
		n.drop(event, "max requeues reached")
		return
	}

	event.Requeues++
	n.requeued.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyRequeued(context.Background())
	}

	go func() {
		timer := time.NewTimer(n.config.BreakerCooldown)
		defer timer.Stop()
		select {
		case <-n.shutdown:
			return
		case <-timer.C:
		}

		select {
		case n.queue <- event:
			n.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", event.Requeues)
		case <-n.shutdown:
		default:
			n.drop(event, "buffer full on requeue")
		}
	}()
}

func (n *Memory) sendWithRetry(ctx context.Context, event *Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.config.InitialBackoff
	b.MaxInterval = n.config.MaxBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if attempt > 0 {
			n.retriesTotal.Add(1)
		}
		attempt++

		err := n.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
		if err == nil {
			return struct{}{}, nil
		}
		if cloudevent.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		var he *cloudevent.HTTPError
		if errors.As(err, &he) && he.RetryAfter > 0 && he.RetryAfter <= n.config.MaxBackoff {
			return struct{}{}, backoff.RetryAfter(int(he.RetryAfter / time.Second))
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(n.config.MaxRetries+1)),
	)
	return err
}

func (n *Memory) drop(event *Event, reason string) {
	n.dropped.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDropped(context.Background())
	}
	n.logger.Warn("Event dropped",
		"reason", reason,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
		"requeues", event.Requeues,
	)
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Notifier = (*Memory)(nil)
