// Package notify delivers job lifecycle CloudEvents to client callback URLs
// asynchronously, with retry and a circuit breaker per destination host.
package notify

import (
	"context"
	"errors"
	"jobexec/pkg/cloudevent"
)

// ErrBufferFull is returned when the notifier's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("notifier buffer full, event dropped")

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notifier is closed")

// Notifier handles async delivery of callback events.
type Notifier interface {
	// Notify queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Notify(event *Event) error

	// Stats returns current notifier statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is a callback to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Requeues    int    // times requeued because the host's breaker was open
}

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth    int   `json:"queueDepth"`
	Queued        int64 `json:"queued"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`   // gave up after retries
	Dropped       int64 `json:"dropped"`  // full buffer or max requeues
	Requeued      int64 `json:"requeued"` // host breaker was open
	RetriesTotal  int64 `json:"retriesTotal"`
	BreakersTotal int   `json:"breakersTotal"`
	BreakersOpen  int   `json:"breakersOpen"`
}

// Discard is a Notifier that drops every event. Used when callbacks are
// disabled.
type Discard struct{}

func (Discard) Notify(*Event) error         { return nil }
func (Discard) Stats() Stats                { return Stats{} }
func (Discard) Close(context.Context) error { return nil }

var _ Notifier = Discard{}
