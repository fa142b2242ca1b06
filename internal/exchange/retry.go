package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig configures retry behavior for exchange operations
type RetryConfig struct {
	MaxAttempts    int           // Total attempts including the first
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	BackoffFactor  float64       // Multiplier for exponential backoff
	JitterPct      float64       // Symmetric jitter applied to each backoff
}

// DefaultRetryConfig returns the production retry configuration:
// base 250ms exponential backoff, five attempts, +/-20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		JitterPct:      0.2,
	}
}

// IsRetryable reports whether an error is transient. Explicit exchange
// rejections are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())

	// Hard rejections first: these must surface to the caller
	if strings.Contains(errStr, "order_rejected") ||
		strings.Contains(errStr, "insufficient_funds") ||
		strings.Contains(errStr, "insufficient balance") ||
		strings.Contains(errStr, "invalid") {
		return false
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") {
		return true
	}

	return false
}

// RetryableOperation represents an operation that can be retried
type RetryableOperation func() error

// WithRetry executes an operation with exponential backoff and jitter.
// Non-retryable errors abort immediately.
func WithRetry(ctx context.Context, config RetryConfig, operation RetryableOperation) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			log.Debug().
				Err(err).
				Msg("Error is not retryable, aborting")
			return err
		}

		if attempt == config.MaxAttempts {
			break
		}

		sleep := jitter(backoff, config.JitterPct)
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", config.MaxAttempts).
			Dur("backoff", sleep).
			Msg("Operation failed, retrying with backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffFactor)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxAttempts, lastErr)
}

// jitter spreads a duration by +/- pct
func jitter(d time.Duration, pct float64) time.Duration {
	if pct <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * pct
	return time.Duration(float64(d) * (1 + spread))
}
