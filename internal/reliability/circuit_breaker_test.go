package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestCircuitBreaker(t *testing.T) {
	errBoom := errors.New("boom")
	fail := func() error { return errBoom }
	succeed := func() error { return nil }

	newBreaker := func(clock *fakeClock, opts ...CircuitBreakerOption) *CircuitBreaker {
		opts = append([]CircuitBreakerOption{
			WithFailureThreshold(3),
			WithSuccessThreshold(2),
			WithOpenTimeout(time.Second),
			WithClock(clock.Now),
			WithName("test"),
		}, opts...)
		return NewCircuitBreaker(opts...)
	}

	t.Run("opens after threshold failures", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newBreaker(clock)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
		}
		assert.Equal(t, StateOpen, cb.State())

		called := false
		err := cb.Execute(ctx, func() error { called = true; return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.False(t, called)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "test", cbErr.Name)
		assert.Equal(t, 3, cbErr.Failures)
	})

	t.Run("success resets the failure count while closed", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newBreaker(clock)
		ctx := context.Background()

		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, fail)
		require.NoError(t, cb.Execute(ctx, succeed))
		_ = cb.Execute(ctx, fail)

		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, 1, cb.Failures())
	})

	t.Run("half-open probe closes after enough successes", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newBreaker(clock)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, fail)
		}
		clock.Advance(time.Second)

		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, 0, cb.Failures())
	})

	t.Run("failure in half-open reopens", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newBreaker(clock)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, fail)
		}
		clock.Advance(time.Second)

		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
		assert.Equal(t, StateOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
	})

	t.Run("filtered errors do not count", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		errIgnored := errors.New("caller mistake")
		cb := newBreaker(clock, WithFailureFilter(func(err error) bool {
			return !errors.Is(err, errIgnored)
		}))
		ctx := context.Background()

		for i := 0; i < 10; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, func() error { return errIgnored }), errIgnored)
		}
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("cancelled context is not executed", func(t *testing.T) {
		cb := NewCircuitBreaker()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		err := cb.Execute(ctx, func() error { called = true; return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})

	t.Run("Reset closes the circuit", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newBreaker(clock)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, fail)
		}
		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
		assert.NoError(t, cb.Execute(ctx, succeed))
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
