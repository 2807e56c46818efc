// Package testutil holds helpers shared by package tests: polling, a fake
// ComfyUI server and generated images.
package testutil

import (
	"testing"
	"time"
)

type waitConfig struct {
	timeout  time.Duration
	interval time.Duration
}

// WaitOption tunes WaitFor and friends.
type WaitOption func(*waitConfig)

// WithTimeout bounds the wait. Default 10s.
func WithTimeout(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.timeout = d }
}

// WithInterval sets the poll interval. Default 20ms.
func WithInterval(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.interval = d }
}

func newWaitConfig(opts []WaitOption) waitConfig {
	c := waitConfig{timeout: 10 * time.Second, interval: 20 * time.Millisecond}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WaitFor polls cond until it holds or the timeout passes. cond is always
// checked at least once, and once more at the deadline.
func WaitFor(tb testing.TB, cond func() bool, opts ...WaitOption) bool {
	tb.Helper()
	c := newWaitConfig(opts)

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.interval)
	defer tick.Stop()

	for {
		if cond() {
			return true
		}
		select {
		case <-deadline.C:
			return cond()
		case <-tick.C:
		}
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, cond func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, cond, opts...) {
		tb.Fatalf("condition not met within %v", newWaitConfig(opts).timeout)
	}
}

// MustReceive returns the next value from ch or fails the test on timeout.
func MustReceive[T any](tb testing.TB, ch <-chan T, opts ...WaitOption) T {
	tb.Helper()
	c := newWaitConfig(opts)
	select {
	case v := <-ch:
		return v
	case <-time.After(c.timeout):
		tb.Fatalf("nothing received within %v", c.timeout)
		var zero T
		return zero
	}
}
