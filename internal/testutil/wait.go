// Package testutil provides polling helpers for tests that wait on
// asynchronous monitor and dispatcher activity.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for WaitFor.
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

// WaitFor polls until condition returns true or the timeout elapses.
// Returns whether the condition was met.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := WaitOptions{
		Timeout:  30 * time.Second,
		Interval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}

	timeout := time.NewTimer(o.Timeout)
	defer timeout.Stop()
	tick := time.NewTicker(o.Interval)
	defer tick.Stop()

	for {
		if condition() {
			return true
		}
		select {
		case <-timeout.C:
			return false
		case <-tick.C:
		}
	}
}

// WaitForCount polls until counter reaches at least target.
// Returns whether the target was reached before the timeout.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool {
		return counter.Load() >= target
	}, opts...)
}

// MustWaitFor is WaitFor, failing the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForCount is WaitForCount, failing the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}
