package resilience

import (
	"context"
	"math"
	"time"
)

// BackoffPolicy decides how long to wait before the next attempt.
// attempt is zero-based: Delay(0) is the wait after the first failure.
type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff waits Base * 2^attempt, capped at Max when Max > 0.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay implements BackoffPolicy.
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(b.Base) * math.Pow(2, float64(attempt)))
	if b.Max > 0 && (d > b.Max || d < 0) {
		return b.Max
	}
	return d
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
