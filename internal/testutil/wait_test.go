package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		readyAt   int64
		timeout   time.Duration
		want      bool
		minChecks int64
	}{
		{name: "immediate", readyAt: 1, timeout: time.Second, want: true, minChecks: 1},
		{name: "eventual", readyAt: 3, timeout: time.Second, want: true, minChecks: 3},
		{name: "never", readyAt: 1 << 40, timeout: 50 * time.Millisecond, want: false, minChecks: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var checks atomic.Int64
			got := WaitFor(t, func() bool {
				return checks.Add(1) >= tt.readyAt
			}, WithTimeout(tt.timeout), WithInterval(5*time.Millisecond))

			if got != tt.want {
				t.Errorf("WaitFor() = %v, want %v", got, tt.want)
			}
			if checks.Load() < tt.minChecks {
				t.Errorf("checks = %d, want >= %d", checks.Load(), tt.minChecks)
			}
		})
	}
}

func TestWaitFor_ChecksAtDeadline(t *testing.T) {
	t.Parallel()
	start := time.Now()
	got := WaitFor(t, func() bool {
		return time.Since(start) >= 40*time.Millisecond
	}, WithTimeout(40*time.Millisecond), WithInterval(time.Hour))

	if !got {
		t.Error("condition that turns true at the deadline was not seen")
	}
}

func TestMustWaitFor(t *testing.T) {
	t.Parallel()
	var ready atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		ready.Store(true)
	}()

	MustWaitFor(t, ready.Load, WithTimeout(time.Second), WithInterval(5*time.Millisecond))
}

func TestMustReceive(t *testing.T) {
	t.Parallel()
	ch := make(chan string, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		ch <- "done"
	}()

	if got := MustReceive(t, ch, WithTimeout(time.Second)); got != "done" {
		t.Errorf("MustReceive() = %q, want done", got)
	}
}

func TestWaitOptions(t *testing.T) {
	t.Parallel()

	c := newWaitConfig(nil)
	if c.timeout != 10*time.Second || c.interval != 20*time.Millisecond {
		t.Errorf("defaults = %+v", c)
	}

	c = newWaitConfig([]WaitOption{WithTimeout(time.Minute), WithInterval(time.Second)})
	if c.timeout != time.Minute || c.interval != time.Second {
		t.Errorf("options not applied: %+v", c)
	}
}
