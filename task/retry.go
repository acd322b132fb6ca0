package task

import "time"

// RetryConfig holds the worker retry policy for retryable failures.
type RetryConfig struct {
	// MaxAttempts bounds total service invocations, first try included.
	MaxAttempts int

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// BackoffFactor multiplies the delay on each subsequent retry.
	BackoffFactor float64

	// BackoffCap limits the delay between attempts.
	BackoffCap time.Duration
}

// DefaultRetryConfig returns the standard policy: 3 attempts, 1s base,
// factor 2, capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BackoffBase:   time.Second,
		BackoffFactor: 2.0,
		BackoffCap:    30 * time.Second,
	}
}

// Backoff returns the delay to sleep after the given failed attempt
// (1-based). Attempt 1 waits BackoffBase, attempt 2 waits
// BackoffBase*BackoffFactor, and so on, capped at BackoffCap.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= c.BackoffFactor
		if time.Duration(d) >= c.BackoffCap {
			return c.BackoffCap
		}
	}
	if time.Duration(d) > c.BackoffCap {
		return c.BackoffCap
	}
	return time.Duration(d)
}
