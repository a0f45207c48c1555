package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	failing := func() error { return errors.New("store down") }
	ok := func() error { return nil }

	t.Run("starts closed and executes", func(t *testing.T) {
		cb := NewCircuitBreaker()
		executed := false

		err := cb.Execute(ctx, func() error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("opens after failure threshold and rejects", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3))
		for i := 0; i < 3; i++ {
			assert.Error(t, cb.Execute(ctx, failing))
		}
		assert.Equal(t, StateOpen, cb.State())

		executed := false
		err := cb.Execute(ctx, func() error {
			executed = true
			return nil
		})
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.False(t, executed)

		var cbErr *CircuitBreakerError
		assert.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
	})

	t.Run("success resets consecutive failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))
		_ = cb.Execute(ctx, failing)
		_ = cb.Execute(ctx, ok)
		_ = cb.Execute(ctx, failing)

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open after timeout then closes on successes", func(t *testing.T) {
		clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithTimeout(time.Minute),
			WithBreakerClock(clock.Now),
		)
		_ = cb.Execute(ctx, failing)
		assert.Equal(t, StateOpen, cb.State())

		clock.now = clock.now.Add(time.Minute)
		assert.NoError(t, cb.Execute(ctx, ok))
		assert.Equal(t, StateHalfOpen, cb.State())

		assert.NoError(t, cb.Execute(ctx, ok))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("failure in half-open reopens", func(t *testing.T) {
		clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(time.Minute),
			WithBreakerClock(clock.Now),
		)
		_ = cb.Execute(ctx, failing)
		clock.now = clock.now.Add(time.Minute)

		assert.Error(t, cb.Execute(ctx, failing))
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("cancelled context is not counted", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		assert.ErrorIs(t, cb.Execute(cctx, ok), context.Canceled)
		assert.Equal(t, StateClosed, cb.State())
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
