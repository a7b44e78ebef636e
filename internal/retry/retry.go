// Package retry provides the shared exponential-backoff-with-jitter helper
// used by the LLM gateway (C5) and the outbox delivery coordinator (C10).
// Grounded on the teacher's calculateBackoff method in
// pkg/whatsapp/client.go and internal/handlers/webhook_handler.go, both of
// which hand-roll an equivalent doubling backoff inline; this package
// generalizes that idiom into one reusable policy instead of re-deriving it
// per caller.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule with jitter.
type Policy struct {
	BaseDelay  time.Duration
	Factor     float64
	MaxDelay   time.Duration
	MaxWall    time.Duration
	MaxAttempts int
	Jitter     float64 // fraction, e.g. 0.2 for +/-20%
}

// Delay returns the backoff duration before the given zero-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delta := d * p.Jitter
		d += (rand.Float64()*2 - 1) * delta
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}

// Do runs fn, retrying according to the policy until it succeeds, attempts
// are exhausted, the wall-clock budget expires, or ctx is cancelled.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	start := time.Now()
	var lastErr error
	for attempt := 0; p.MaxAttempts <= 0 || attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.MaxWall > 0 && time.Since(start) >= p.MaxWall {
			return lastErr
		}
		delay := p.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
