package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
		JitterPct:      0.2,
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
	}{
		{nil, false},
		{errors.New("connection refused"), true},
		{errors.New("read timeout"), true},
		{errors.New("rate limit exceeded"), true},
		{errors.New("HTTP 503: service unavailable"), true},
		{errors.New("order_rejected: price out of band"), false},
		{errors.New("insufficient_funds"), false},
		{errors.New("invalid order quantity"), false},
		{errors.New("something else entirely"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.retryable, IsRetryable(tt.err), "%v", tt.err)
	}
}

func TestWithRetryEventualSuccess(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryNonRetryableAbortsImmediately(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return errors.New("insufficient_funds")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 5, attempts)
	assert.Contains(t, err.Error(), "after 5 attempts")
}

func TestWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, fastRetryConfig(), func() error {
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := jitter(base, 0.2)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
	assert.Equal(t, base, jitter(base, 0))
}
