// Package backoff provides pluggable retry delay strategies.
// All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential grows the delay geometrically with the attempt number.
// Delay = min(Initial * Multiplier^(attempt-1), Max).
type Exponential struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// NewExponential creates an exponential backoff strategy. A multiplier
// of 0 or less defaults to 2.
func NewExponential(initial time.Duration, multiplier float64, maxDelay time.Duration) *Exponential {
	if multiplier <= 0 {
		multiplier = 2
	}

	return &Exponential{Initial: initial, Multiplier: multiplier, Max: maxDelay}
}

// Delay returns Initial * Multiplier^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := time.Duration(float64(e.Initial) * math.Pow(e.Multiplier, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}

	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * Multiplier^(attempt-1), Max)].
// This prevents thundering herd when a fleet of robots retries at once.
type ExponentialWithJitter struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial time.Duration, multiplier float64, maxDelay time.Duration) *ExponentialWithJitter {
	if multiplier <= 0 {
		multiplier = 2
	}

	return &ExponentialWithJitter{Initial: initial, Multiplier: multiplier, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * Multiplier^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(e.Initial) * math.Pow(e.Multiplier, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}

	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default retry backoff: exponential with
// full jitter, 5s initial, doubling, 5m max.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(5*time.Second, 2, 5*time.Minute)
}
