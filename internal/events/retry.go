package events

import (
	"math"
	"math/rand/v2"
	"time"

	apperrors "signal-advisor/internal/errors"
)

// RetryPolicy decides whether and when a failed invocation runs again.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter float64
}

// DefaultRetryPolicy returns the default retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  2 * time.Second,
		MaxDelay:      5 * time.Minute,
		BackoffFactor: 2.0,
		Jitter:        0.2,
	}
}

// Backoff returns the delay after the given 1-based attempt failed.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := CalculateBackoff(attempt-1, p.InitialDelay, p.MaxDelay, p.BackoffFactor)
	if p.Jitter > 0 && delay > 0 {
		spread := float64(delay) * p.Jitter
		delay = time.Duration(float64(delay) - spread + rand.Float64()*2*spread)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}

// ShouldRetry reports whether an event that failed with err after attempts
// tries gets another one. maxAttempts overrides the policy when positive.
func (p RetryPolicy) ShouldRetry(err error, attempts, maxAttempts int) bool {
	if apperrors.IsPermanent(err) {
		return false
	}
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	return attempts < maxAttempts
}

// CalculateBackoff calculates the backoff duration for a given attempt.
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration, factor float64) time.Duration {
	delay := float64(initialDelay) * math.Pow(factor, float64(attempt))
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay)
}
