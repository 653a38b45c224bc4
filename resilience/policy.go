package resilience

import (
	"time"

	"github.com/omerlefaruk/CasareRPA-sub002/backoff"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
)

// RetryPolicy bundles the retry budget with the backoff parameters.
// The zero value is unusable; start from DefaultRetryPolicy.
type RetryPolicy struct {
	// MaxRetries is the default retry budget for jobs that don't set
	// their own.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// Multiplier grows the delay each attempt.
	Multiplier float64
	// MaxDelay caps the delay.
	MaxDelay time.Duration
	// Jitter randomizes delays (full jitter) to spread out a fleet
	// retrying at once.
	Jitter bool
}

// DefaultRetryPolicy returns the stock policy: 3 retries, 5s base,
// doubling, capped at 5m, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  5 * time.Second,
		Multiplier: 2,
		MaxDelay:   5 * time.Minute,
		Jitter:     true,
	}
}

// Strategy returns the backoff strategy the policy describes.
func (p RetryPolicy) Strategy() backoff.Strategy {
	if p.Jitter {
		return backoff.NewExponentialWithJitter(p.BaseDelay, p.Multiplier, p.MaxDelay)
	}

	return backoff.NewExponential(p.BaseDelay, p.Multiplier, p.MaxDelay)
}

// NextDelay returns the delay before retry attempt n (1-indexed).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	return p.Strategy().Delay(attempt)
}

// RequeuePolicy converts the policy for use by Queue.RecoverExpired.
// The store computes deterministic (unjittered) delays set-based, so
// jitter does not carry over.
func (p RetryPolicy) RequeuePolicy() job.RequeuePolicy {
	return job.RequeuePolicy{
		BaseDelay:  p.BaseDelay,
		Multiplier: p.Multiplier,
		MaxDelay:   p.MaxDelay,
	}
}
