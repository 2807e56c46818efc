// Package backoff computes retry delays.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy doubles the delay on every attempt, starting at Initial and never
// exceeding Max. Jitter in (0, 1] spreads each delay randomly by up to that
// fraction in either direction.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// Default is used by callers that do not tune their retries.
var Default = Policy{Initial: 100 * time.Millisecond, Max: 5 * time.Second}

// Delay is the wait before retry number attempt. Attempts below 1 count as 1.
func (p Policy) Delay(attempt int) time.Duration {
	initial, limit := p.Initial, p.Max
	if initial <= 0 {
		initial = Default.Initial
	}
	if limit <= 0 {
		limit = Default.Max
	}
	if limit < initial {
		limit = initial
	}

	d := initial
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	d = min(d, limit)

	if p.Jitter > 0 {
		spread := min(p.Jitter, 1) * float64(d)
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return d
}

// Sleep waits Delay(attempt) or until ctx is done, returning ctx.Err() in
// the latter case.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
