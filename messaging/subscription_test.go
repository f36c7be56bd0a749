package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func TestSubscriptionBackoff(t *testing.T) {
	lost := fmt.Errorf("socket closed: %w", ErrConnectionLost)
	fatal := errors.New("patterns not supported")
	channels := []string{"c"}

	t.Run("delays grow by a second, cap at thirty and reset on reconnect", func(t *testing.T) {
		tr := &mockTransport{}
		tr.On("Subscribe", mock.Anything, mock.Anything, channels).Return(lost).Times(35)
		tr.On("Subscribe", mock.Anything, mock.Anything, channels).
			Run(func(args mock.Arguments) {
				args.Get(1).(Handler).OnSubscribed(channels)
			}).
			Return(lost).Once()
		tr.On("Subscribe", mock.Anything, mock.Anything, channels).Return(lost).Once()
		tr.On("Subscribe", mock.Anything, mock.Anything, channels).Return(fatal).Once()

		sleeps := &sleepRecorder{}
		sub := NewSubscription(tr, "c", false, func(Message) {}, WithLoopSleep(sleeps.sleep))

		err := sub.Run(context.Background())

		var subErr *SubscriptionError
		require.ErrorAs(t, err, &subErr)
		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, "c", subErr.Target)
		assert.Equal(t, err, sub.Err())

		var want []time.Duration
		for k := 1; k <= 35; k++ {
			want = append(want, time.Duration(min(1000*k, 30000))*time.Millisecond)
		}
		// Reconnected once, so the counter started over
		want = append(want, time.Second, 2*time.Second)

		assert.Equal(t, want, sleeps.recorded())
		assert.Equal(t, 2, sub.Attempts())
		tr.AssertExpectations(t)
	})

	t.Run("confirmation marks the subscription ready and connected", func(t *testing.T) {
		tr := &mockTransport{}
		connected := make(chan struct{})
		tr.On("PSubscribe", mock.Anything, mock.Anything, []string{"orders.*"}).
			Run(func(args mock.Arguments) {
				args.Get(1).(Handler).OnSubscribed([]string{"orders.*"})
				close(connected)
				<-args.Get(0).(context.Context).Done()
			}).
			Return(nil).Once()

		sub := NewSubscription(tr, "orders.*", true, func(Message) {})
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- sub.Run(ctx) }()

		select {
		case <-sub.Ready():
		case <-time.After(time.Second):
			t.Fatal("subscription never became ready")
		}
		<-connected
		assert.True(t, sub.Connected())
		assert.True(t, sub.Pattern())

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancel")
		}
		assert.False(t, sub.Connected())
		<-sub.Done()
	})

	t.Run("cancel during backoff stops the loop", func(t *testing.T) {
		tr := &mockTransport{}
		tr.On("Subscribe", mock.Anything, mock.Anything, channels).Return(lost)

		ctx, cancel := context.WithCancel(context.Background())
		sub := NewSubscription(tr, "c", false, func(Message) {},
			WithLoopSleep(func(ctx context.Context, d time.Duration) error {
				cancel()
				return sleepContext(ctx, d)
			}))

		assert.NoError(t, sub.Run(ctx))
		assert.Equal(t, 1, sub.Attempts())
		assert.Nil(t, sub.Err())
		tr.AssertNumberOfCalls(t, "Subscribe", 1)
	})

	t.Run("a nil return without cancellation counts as a lost connection", func(t *testing.T) {
		tr := &mockTransport{}
		tr.On("Subscribe", mock.Anything, mock.Anything, channels).Return(nil).Once()
		tr.On("Subscribe", mock.Anything, mock.Anything, channels).Return(fatal).Once()

		sleeps := &sleepRecorder{}
		sub := NewSubscription(tr, "c", false, func(Message) {}, WithLoopSleep(sleeps.sleep))

		assert.ErrorIs(t, sub.Run(context.Background()), fatal)
		assert.Equal(t, []time.Duration{time.Second}, sleeps.recorded())
	})

	t.Run("messages are passed to deliver", func(t *testing.T) {
		tr := &mockTransport{}
		tr.On("Subscribe", mock.Anything, mock.Anything, channels).
			Run(func(args mock.Arguments) {
				h := args.Get(1).(Handler)
				h.OnSubscribed(channels)
				h.OnMessage(Message{Channel: "c", Payload: "one"})
				h.OnMessage(Message{Channel: "c", Payload: "two"})
			}).
			Return(fatal).Once()

		var got []string
		sub := NewSubscription(tr, "c", false, func(msg Message) { got = append(got, msg.Payload) })

		assert.Error(t, sub.Run(context.Background()))
		assert.Equal(t, []string{"one", "two"}, got)
	})
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
