// Package resilience provides retry and failure-suppression patterns used
// when dialing RPC endpoints.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Multiplier is the growth factor per attempt (typically 2.0).
	Multiplier float64
	// JitterFraction is the random jitter factor (0.0-1.0).
	JitterFraction float64
}

// DefaultBackoff returns sensible defaults for connection creation retries.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:        100 * time.Millisecond,
		Max:            10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Delay returns the delay before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultBackoff().Initial
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = DefaultBackoff().Multiplier
	}

	d := float64(initial) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}

	if b.JitterFraction > 0 {
		jitter := d * b.JitterFraction
		d = d - jitter/2 + rand.Float64()*jitter
	}

	return time.Duration(d)
}

// Retry runs fn up to attempts times, sleeping the backoff delay between
// failures. It returns nil on the first success, the last error once
// attempts are exhausted, or the context error if ctx expires while waiting.
func Retry(ctx context.Context, attempts int, b Backoff, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == attempts-1 {
			break
		}

		delay := b.Delay(attempt)
		log.WithError(lastErr).WithField("attempt", attempt+1).WithField("delay", delay).Debug("retrying after failure")

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
