// Package testutil provides helpers for tests that wait on background work
// and on engine binaries.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions configures polling.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the wait helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func resolve(opts []WaitOption) WaitOptions {
	o := WaitOptions{
		Timeout:  30 * time.Second,
		Interval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Poll calls probe until it reports done or the timeout elapses, and returns
// the last value probe produced. The probe always runs once more at the
// deadline so a slow interval cannot miss a final transition.
func Poll[T any](tb testing.TB, probe func() (T, bool), opts ...WaitOption) (T, bool) {
	tb.Helper()
	o := resolve(opts)

	timer := time.NewTimer(o.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()

	for {
		v, done := probe()
		if done {
			return v, true
		}
		select {
		case <-ticker.C:
		case <-timer.C:
			return probe()
		}
	}
}

// WaitFor polls until condition returns true or timeout is reached.
// Returns true if condition was met, false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	_, ok := Poll(tb, func() (struct{}, bool) { return struct{}{}, condition() }, opts...)
	return ok
}

// WaitForCount polls until counter reaches target or timeout is reached.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool {
		return counter.Load() >= target
	}, opts...)
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForValue polls probe until it reports done and returns its value,
// failing the test with the last value seen on timeout.
func MustWaitForValue[T any](tb testing.TB, probe func() (T, bool), opts ...WaitOption) T {
	tb.Helper()
	v, ok := Poll(tb, probe, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for value (last: %+v)", v)
	}
	return v
}

// MustWaitForCount polls until counter reaches target or fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}
