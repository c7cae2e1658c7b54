// Package admission bounds concurrent jobs per kind. A full gate rejects
// immediately instead of queueing.
package admission

import (
	"jobexec/internal/apperrors"
	"jobexec/internal/job"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Rejection reasons reported in errors and metrics.
const (
	ReasonCapacity  = "capacity"
	ReasonRateLimit = "rate_limit"
)

// Gate admits at most Capacity concurrent jobs of one kind.
type Gate struct {
	kind     job.Kind
	capacity int64
	sem      *semaphore.Weighted
	limiter  *rate.Limiter

	inUse    atomic.Int64
	admitted atomic.Int64
	rejected atomic.Int64
}

// GateConfig configures a gate.
type GateConfig struct {
	Capacity      int     // concurrent slots (minimum 1)
	RatePerSecond float64 // submissions per second, 0 disables rate limiting
	Burst         int     // token bucket size (default: 1)
}

// NewGate creates a gate for kind.
func NewGate(kind job.Kind, cfg GateConfig) *Gate {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	g := &Gate{
		kind:     kind,
		capacity: int64(cfg.Capacity),
		sem:      semaphore.NewWeighted(int64(cfg.Capacity)),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return g
}

// Kind returns the job kind this gate guards.
func (g *Gate) Kind() job.Kind {
	return g.kind
}

// Acquire reserves a slot without blocking. It returns an Overloaded error
// when the rate limit or the capacity is exhausted.
func (g *Gate) Acquire() (*Ticket, error) {
	if g.limiter != nil && !g.limiter.Allow() {
		g.rejected.Add(1)
		return nil, apperrors.Overloaded(string(g.kind), ReasonRateLimit)
	}
	if !g.sem.TryAcquire(1) {
		g.rejected.Add(1)
		return nil, apperrors.Overloaded(string(g.kind), ReasonCapacity)
	}
	g.inUse.Add(1)
	g.admitted.Add(1)
	return &Ticket{gate: g}, nil
}

// Stats returns the current counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Kind:     g.kind,
		Capacity: g.capacity,
		InUse:    g.inUse.Load(),
		Admitted: g.admitted.Load(),
		Rejected: g.rejected.Load(),
	}
}

func (g *Gate) release() {
	g.inUse.Add(-1)
	g.sem.Release(1)
}

// Ticket is one reserved slot. Release returns it to the gate exactly once.
type Ticket struct {
	gate *Gate
	once sync.Once
}

// Kind returns the kind of the gate that issued the ticket.
func (t *Ticket) Kind() job.Kind {
	return t.gate.kind
}

// Release returns the slot. Further calls are no-ops.
func (t *Ticket) Release() {
	t.once.Do(t.gate.release)
}

// Stats is a snapshot of one gate.
type Stats struct {
	Kind     job.Kind `json:"kind"`
	Capacity int64    `json:"capacity"`
	InUse    int64    `json:"inUse"`
	Admitted int64    `json:"admitted"`
	Rejected int64    `json:"rejected"`
}
