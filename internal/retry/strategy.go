// Package retry provides exponential backoff for outbox re-queueing and
// realtime resubscription.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy describes exponential backoff with an attempt cap.
//
// delay(n) = min(BaseDelay * Multiplier^(n-1), MaxDelay) + jitter
type Strategy struct {
	MaxAttempts int           // attempts allowed before giving up; 0 means unlimited
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // cap on a single delay
	Multiplier  float64       // growth factor, 2.0 doubles each attempt
	Jitter      float64       // fraction of the delay randomized, 0..1
}

// DefaultStrategy is used by the outbox and the realtime manager when the
// config does not override it: 1s doubling to 30s, five attempts.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.5,
	}
}

// Delay returns the wait before attempt number attempt (1-based).
func (s Strategy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := s.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(s.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if s.MaxDelay > 0 && d > float64(s.MaxDelay) {
		d = float64(s.MaxDelay)
	}
	if s.Jitter > 0 {
		d += rand.Float64() * d * s.Jitter
	}
	return time.Duration(d)
}

// IsRetryable reports whether another attempt is allowed after attempts
// have already been made.
func (s Strategy) IsRetryable(attempts int) bool {
	return s.MaxAttempts <= 0 || attempts < s.MaxAttempts
}
