package realtime

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff yields capped exponential reconnect delays with jitter. attempt is
// zero based; ok is false once MaxRetries attempts have been used.
type Backoff struct {
	Initial      time.Duration
	Max          time.Duration
	Multiplier   float64
	JitterFactor float64
	// MaxRetries of zero retries forever.
	MaxRetries int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      500 * time.Millisecond,
		Max:          30 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.2,
	}
}

func (b Backoff) Next(attempt int) (time.Duration, bool) {
	if b.MaxRetries > 0 && attempt >= b.MaxRetries {
		return 0, false
	}
	initial := b.Initial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	delay := float64(initial) * math.Pow(multiplier, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.JitterFactor > 0 {
		delay += delay * b.JitterFactor * (2*rand.Float64() - 1)
		if delay < float64(initial) {
			delay = float64(initial)
		}
	}
	return time.Duration(delay), true
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
