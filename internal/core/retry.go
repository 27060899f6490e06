package core

import "time"

// Default retry schedule: 3 attempts, 5s base delay, doubling per attempt.
const (
	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = 5 * time.Second
	DefaultBackoffLimit = 5 * time.Minute
)

// RetryPolicy models the retry schedule for failed job attempts explicitly,
// independent of any particular queue implementation.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the standard schedule used when configuration
// does not override it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBackoffBase,
		MaxDelay:    DefaultBackoffLimit,
	}
}

// Delay returns the backoff before re-delivering a job that failed on the
// given attempt (1-based): base delay doubled per prior attempt, capped at
// MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}

	return delay
}

// Exhausted reports whether the given attempt (1-based) was the last one
// permitted by the policy.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
