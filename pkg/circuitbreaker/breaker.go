// Package circuitbreaker stops repeating an operation that keeps failing.
//
// After Threshold consecutive failures the breaker opens and Do fails fast
// with ErrOpen until Cooldown has passed. The next call then runs as a
// trial: success closes the breaker, failure opens it for another Cooldown.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State of a breaker.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

const (
	defaultThreshold = 5
	defaultCooldown  = 30 * time.Second
)

// Config controls when a breaker opens. Zero values use defaults.
type Config struct {
	Threshold int
	Cooldown  time.Duration

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Breaker guards a single operation.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

// New returns a closed breaker.
func New(cfg Config) *Breaker {
	b := &Breaker{
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
		state:     Closed,
	}
	if b.threshold <= 0 {
		b.threshold = defaultThreshold
	}
	if b.cooldown <= 0 {
		b.cooldown = defaultCooldown
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Do runs fn unless the breaker is open and records the outcome. While a
// half-open trial is in flight, other callers get ErrOpen.
func (b *Breaker) Do(fn func() error) error {
	if !b.acquire() {
		return ErrOpen
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.trial = true
		return true
	case HalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trial = false
	if err == nil {
		b.state = Closed
		b.failures = 0
		return
	}

	b.failures++
	if b.state == HalfOpen || b.failures >= b.threshold {
		b.state = Open
		b.openedAt = b.now()
	}
}

// State reports the current state. An open breaker whose cooldown has
// passed still reports Open until the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures is the number of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RetryAt is when an open breaker lets the next call through. It is zero
// unless the breaker is open.
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return time.Time{}
	}
	return b.openedAt.Add(b.cooldown)
}

// Reset closes the breaker, used after an operator restarts the guarded
// resource by hand.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.trial = false
	b.openedAt = time.Time{}
}
