package errs

import (
	"context"
	"time"
)

// RetryConfig holds retry configuration for transient failures.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Retry runs op up to cfg.MaxAttempts times, backing off between
// attempts. The retryable function classifies each failure; a nil
// retryable retries only errors wrapped as Transient. The last error is
// returned if all attempts fail.
func Retry(ctx context.Context, cfg RetryConfig, op func() error, retryable func(error) bool) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if retryable == nil {
		retryable = IsTransient
	}

	backoff := cfg.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastErr
}
