package queue

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes the retry delay for a given attempt count. The
// exact constants are configuration, not invariants: defaults reproduce the
// 30s, 2m, 8m, 32m schedule capped at 2h.
type BackoffPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Factor float64
	Jitter float64 // fraction of the delay, e.g. 0.1 for ±10%
}

// DefaultBackoffPolicy returns the standard retry schedule.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:   30 * time.Second,
		Cap:    2 * time.Hour,
		Factor: 4,
		Jitter: 0.1,
	}
}

// Delay returns the wait before the next attempt, given how many attempts
// have already failed (attempt >= 1). Jitter spreads retries across tenants
// so a shared outage does not produce a synchronized retry wave.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if delay > float64(p.Cap) {
		delay = float64(p.Cap)
	}

	if p.Jitter > 0 {
		spread := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * spread
	}

	return time.Duration(delay)
}
