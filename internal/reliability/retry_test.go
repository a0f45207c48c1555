package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		assert.Equal(t, 100*time.Millisecond, eb.NextDelay(0))
		assert.Equal(t, 400*time.Millisecond, eb.NextDelay(2))
		assert.Equal(t, 10*time.Second, eb.NextDelay(10))
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 50; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		shouldRetry, _ := eb.ShouldRetry(0, Permanent(errors.New("bad input")))
		assert.False(t, shouldRetry)
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		var calls int32
		err := Retry(ctx, steady(time.Millisecond, 3), func() error {
			atomic.AddInt32(&calls, 1)
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(1), calls)
	})

	t.Run("retries until success", func(t *testing.T) {
		var calls int32
		err := Retry(ctx, steady(time.Millisecond, 3), func() error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(3), calls)
	})

	t.Run("returns last error after max retries", func(t *testing.T) {
		var calls int32
		err := Retry(ctx, steady(time.Millisecond, 2), func() error {
			atomic.AddInt32(&calls, 1)
			return errors.New("always")
		})

		assert.EqualError(t, err, "always")
		assert.Equal(t, int32(3), calls)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		var calls int32
		err := Retry(ctx, steady(time.Millisecond, 5), func() error {
			atomic.AddInt32(&calls, 1)
			return Permanent(errors.New("fatal"))
		})

		assert.Error(t, err)
		assert.Equal(t, int32(1), calls)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		err := Retry(cctx, steady(time.Second, 10), func() error {
			return errors.New("transient")
		})

		assert.ErrorIs(t, err, context.Canceled)
	})
}

func steady(delay time.Duration, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{InitialInterval: delay, MaxInterval: delay, Multiplier: 1, MaxAttempts: maxRetries}
}

func TestIsRetryable(t *testing.T) {
	t.Run("nil error is not retryable", func(t *testing.T) {
		assert.False(t, IsRetryable(nil))
	})

	t.Run("RetryableError decides", func(t *testing.T) {
		assert.True(t, IsRetryable(RetryableError{Err: errors.New("x"), Retryable: true}))
		assert.False(t, IsRetryable(RetryableError{Err: errors.New("x"), Retryable: false}))
	})

	t.Run("wrapped decisions are found", func(t *testing.T) {
		err := errors.Join(errors.New("context"), Permanent(errors.New("x")))
		assert.False(t, IsRetryable(err))
		assert.False(t, IsRetryable(ErrNonRetryable))
	})

	t.Run("unknown errors are retryable by default", func(t *testing.T) {
		assert.True(t, IsRetryable(errors.New("unknown")))
	})

	t.Run("Permanent keeps the cause", func(t *testing.T) {
		cause := errors.New("cause")
		assert.ErrorIs(t, Permanent(cause), cause)
		assert.Nil(t, Permanent(nil))
	})
}
