// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"fmt"
	"jobexec/internal/admission"
	"jobexec/internal/notify"
	"strings"
	"sync"
	"time"
)

// ReadinessChecker verifies that the engines jobs run on are available.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CapacityReporter exposes admission gate usage.
type CapacityReporter interface {
	Stats() []admission.Stats
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Option configures a Checker.
type Option func(*Checker)

// WithCapacity reports saturated admission gates as degraded.
func WithCapacity(r CapacityReporter) Option {
	return func(c *Checker) { c.capacity = r }
}

// WithNotifier reports open callback circuit breakers as degraded.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Checker) { c.notifier = n }
}

// Checker performs health checks on dependencies.
type Checker struct {
	engines  ReadinessChecker
	capacity CapacityReporter
	notifier notify.Notifier
	timeout  time.Duration
	cacheTTL time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker.
func NewChecker(engines ReadinessChecker, opts ...Option) *Checker {
	c := &Checker{
		engines:  engines,
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Liveness returns healthy while the process is serving.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
// Missing engine binaries make it unhealthy; full gates and open callback
// breakers make it degraded.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Engine probes stat the filesystem; cache briefly.
	if c.cachedReady != nil && time.Since(c.lastCheck) < c.cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := map[string]CheckResult{
		"engines": c.checkEngines(ctx),
	}
	if c.capacity != nil {
		checks["admission"] = c.checkCapacity()
	}
	if c.notifier != nil {
		checks["callbacks"] = c.checkNotifier()
	}

	overall := StatusHealthy
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	response := &Response{
		Status: overall,
		Checks: checks,
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) checkEngines(ctx context.Context) CheckResult {
	if c.engines == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "no engines configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.engines.Ready(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

func (c *Checker) checkCapacity() CheckResult {
	var full []string
	for _, s := range c.capacity.Stats() {
		if s.InUse >= s.Capacity {
			full = append(full, fmt.Sprintf("%s %d/%d", s.Kind, s.InUse, s.Capacity))
		}
	}
	if len(full) > 0 {
		return CheckResult{Status: StatusDegraded, Message: "at capacity: " + strings.Join(full, ", ")}
	}
	return CheckResult{Status: StatusHealthy}
}

func (c *Checker) checkNotifier() CheckResult {
	stats := c.notifier.Stats()
	if stats.BreakersOpen > 0 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d of %d callback destinations unreachable", stats.BreakersOpen, stats.BreakersTotal),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady returns true unless the overall status is unhealthy. A degraded
// service still accepts work.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
