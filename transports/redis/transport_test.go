package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-relay/messaging"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type recorder struct {
	subscribed chan []string
	messages   chan messaging.Message
}

func newRecorder() *recorder {
	return &recorder{
		subscribed: make(chan []string, 4),
		messages:   make(chan messaging.Message, 16),
	}
}

func (r *recorder) OnSubscribed(targets []string)   { r.subscribed <- targets }
func (r *recorder) OnMessage(msg messaging.Message) { r.messages <- msg }

func (r *recorder) waitSubscribed(t *testing.T) []string {
	t.Helper()
	select {
	case targets := <-r.subscribed:
		return targets
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not confirmed")
		return nil
	}
}

func (r *recorder) waitMessage(t *testing.T) messaging.Message {
	t.Helper()
	select {
	case msg := <-r.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return messaging.Message{}
	}
}

func newTestTransport(t *testing.T) (*Transport, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	tr, err := New("redis://"+mr.Addr(), WithLogger(quietLogger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, mr
}

// run starts fn and returns a channel with its result
func run(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not return")
		return nil
	}
}

func TestNew(t *testing.T) {
	t.Run("rejects unparseable URLs", func(t *testing.T) {
		_, err := New("amqp://localhost")
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("applies client options", func(t *testing.T) {
		tr, err := New("redis://localhost:6379/2", WithClientOptions(func(o *goredis.Options) {
			o.PoolSize = 3
		}))
		require.NoError(t, err)
		defer tr.Close()

		assert.Equal(t, 3, tr.client.Options().PoolSize)
		assert.Equal(t, 2, tr.client.Options().DB)
	})
}

func TestPublish(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := tr.Publish(ctx, "c", "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	h1, h2 := newRecorder(), newRecorder()
	run(func() error { return tr.Subscribe(ctx, h1, "c") })
	run(func() error { return tr.Subscribe(ctx, h2, "c", "d") })
	assert.Equal(t, []string{"c"}, h1.waitSubscribed(t))
	assert.Equal(t, []string{"c", "d"}, h2.waitSubscribed(t))

	n, err = tr.Publish(ctx, "c", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.Equal(t, messaging.Message{Channel: "c", Payload: "hello"}, h1.waitMessage(t))
	assert.Equal(t, messaging.Message{Channel: "c", Payload: "hello"}, h2.waitMessage(t))
}

func TestPSubscribe(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newRecorder()
	run(func() error { return tr.PSubscribe(ctx, h, "orders.*") })
	h.waitSubscribed(t)

	n, err := tr.Publish(ctx, "orders.eu", "created")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, messaging.Message{Pattern: "orders.*", Channel: "orders.eu", Payload: "created"}, h.waitMessage(t))
}

func TestSubscriptionEnds(t *testing.T) {
	t.Run("cancel returns nil", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		ctx, cancel := context.WithCancel(context.Background())

		h := newRecorder()
		done := run(func() error { return tr.Subscribe(ctx, h, "c") })
		h.waitSubscribed(t)

		cancel()
		assert.NoError(t, waitErr(t, done))
	})

	t.Run("server loss is a connection loss", func(t *testing.T) {
		tr, mr := newTestTransport(t)
		ctx := context.Background()

		h := newRecorder()
		done := run(func() error { return tr.Subscribe(ctx, h, "c") })
		h.waitSubscribed(t)

		mr.Close()
		assert.ErrorIs(t, waitErr(t, done), messaging.ErrConnectionLost)
		assert.ErrorIs(t, tr.Ping(ctx), messaging.ErrConnectionLost)

		_, err := tr.Publish(ctx, "c", "x")
		assert.ErrorIs(t, err, messaging.ErrConnectionLost)
	})

	t.Run("transport close", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		ctx := context.Background()

		h := newRecorder()
		done := run(func() error { return tr.Subscribe(ctx, h, "c") })
		h.waitSubscribed(t)

		require.NoError(t, tr.Close())
		require.NoError(t, tr.Close())
		assert.ErrorIs(t, waitErr(t, done), ErrClosed)

		_, err := tr.Publish(ctx, "c", "x")
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, tr.Subscribe(ctx, h, "c"), ErrClosed)
		assert.ErrorIs(t, tr.Ping(ctx), ErrClosed)
	})
}

func TestNewFromClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	tr := NewFromClient(client, WithLogger(quietLogger))
	require.NoError(t, tr.Ping(context.Background()))
	require.NoError(t, tr.Close())

	// The shared client stays usable
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, isPermanent("NOAUTH Authentication required."))
	assert.True(t, isPermanent("WRONGPASS invalid username-password pair"))
	assert.True(t, isPermanent("NOPERM this user has no permissions"))
	assert.False(t, isPermanent("LOADING Redis is loading the dataset in memory"))
}

func TestMessengerOverRedis(t *testing.T) {
	tr, _ := newTestTransport(t)

	newMessenger := func(signature string) *messaging.Messenger {
		m, err := messaging.New(tr, messaging.WithSignature(signature), messaging.WithLogger(quietLogger))
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.Close() })
		return m
	}
	a, b := newMessenger("a"), newMessenger("b")

	require.NoError(t, b.Subscribe("c", "ping", func(ctx context.Context, _ string, _ *messaging.Payload, reply *messaging.Reply) error {
		return reply.Send(ctx, "pong")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	answer, err := messaging.RequestAs[string](ctx, a, "c", "ping", nil, messaging.WithSkipSelf())
	require.NoError(t, err)
	assert.Equal(t, "pong", answer)
}
