package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/serialization"
)

func encodePacket(t *testing.T, p *contracts.Packet) string {
	t.Helper()
	wire, err := serialization.NewJSONCodec().EncodePacket(p)
	require.NoError(t, err)
	return wire
}

func decodePacket(t *testing.T, wire string) *contracts.Packet {
	t.Helper()
	p, err := serialization.NewJSONCodec().DecodePacket(wire)
	require.NoError(t, err)
	return p
}

func newTestListenerTable(signature string, publisher *publishRecorder, metrics MetricsCollector) *ListenerTable {
	cfg := TableConfig{Signature: signature, Metrics: metrics}
	if publisher != nil {
		cfg.Publish = publisher.publish
	}
	return NewListenerTable("c", false, cfg)
}

func TestListenerTableDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("handlers run in registration order", func(t *testing.T) {
		table := newTestListenerTable("self", nil, nil)

		var order []string
		for _, name := range []string{"h1", "h2", "h3"} {
			name := name
			require.NoError(t, table.Register("ping", func(context.Context, string, *Payload, *Reply) error {
				order = append(order, name)
				return nil
			}, false))
		}

		table.HandleMessage(ctx, "c", encodePacket(t, contracts.NewEventPacket("ping", nil)))
		assert.Equal(t, []string{"h1", "h2", "h3"}, order)
		assert.Equal(t, 3, table.Listeners("ping"))
	})

	t.Run("handlers receive channel and lazily decoded payload", func(t *testing.T) {
		table := newTestListenerTable("self", nil, nil)

		var gotChannel, gotText string
		require.NoError(t, table.Register("greet", func(_ context.Context, channel string, p *Payload, reply *Reply) error {
			gotChannel = channel
			assert.Nil(t, reply)
			return p.Decode(&gotText)
		}, false))

		table.HandleMessage(ctx, "c", encodePacket(t, contracts.NewEventPacket("greet", []byte(`"hi"`))))
		assert.Equal(t, "c", gotChannel)
		assert.Equal(t, "hi", gotText)
	})

	t.Run("only the matching event bucket is invoked", func(t *testing.T) {
		metrics := NewInMemoryMetricsCollector()
		table := newTestListenerTable("self", nil, metrics)

		called := false
		require.NoError(t, table.Register("a", func(context.Context, string, *Payload, *Reply) error {
			called = true
			return nil
		}, false))

		table.HandleMessage(ctx, "c", encodePacket(t, contracts.NewEventPacket("b", nil)))
		assert.False(t, called)
		assert.Equal(t, int64(1), metrics.GetStats().MessagesDropped[DropNoListener])
	})

	t.Run("self-skip drops own signed packets only", func(t *testing.T) {
		metrics := NewInMemoryMetricsCollector()
		table := newTestListenerTable("me", nil, metrics)

		calls := 0
		require.NoError(t, table.Register("ping", func(context.Context, string, *Payload, *Reply) error {
			calls++
			return nil
		}, false))

		table.HandleMessage(ctx, "c", encodePacket(t, contracts.NewEventPacket("ping", nil).Sign("me")))
		assert.Equal(t, 0, calls)
		assert.Equal(t, int64(1), metrics.GetStats().MessagesDropped[DropSelf])

		// Same signature without skipSelf is delivered
		table.HandleMessage(ctx, "c", encodePacket(t, &contracts.Packet{Type: contracts.PacketTypeEvent, Event: "ping", Signature: "me"}))
		assert.Equal(t, 1, calls)

		table.HandleMessage(ctx, "c", encodePacket(t, contracts.NewEventPacket("ping", nil).Sign("other")))
		assert.Equal(t, 2, calls)
	})

	t.Run("malformed and callback packets never reach listeners", func(t *testing.T) {
		metrics := NewInMemoryMetricsCollector()
		table := newTestListenerTable("self", nil, metrics)

		calls := 0
		require.NoError(t, table.Register("c", func(context.Context, string, *Payload, *Reply) error {
			calls++
			return nil
		}, false))

		table.HandleMessage(ctx, "c", `{"type":7,"event":"c"}`)
		table.HandleMessage(ctx, "c", `not json`)
		table.HandleMessage(ctx, "c", encodePacket(t, contracts.NewCallbackPacket("id", "c", nil)))

		assert.Equal(t, 0, calls)
		assert.Equal(t, int64(2), metrics.GetStats().MessagesDropped[DropMalformed])
	})

	t.Run("a failing or panicking handler does not stop the others", func(t *testing.T) {
		metrics := NewInMemoryMetricsCollector()
		table := newTestListenerTable("self", nil, metrics)

		var ran []string
		require.NoError(t, table.Register("ping", func(context.Context, string, *Payload, *Reply) error {
			ran = append(ran, "error")
			return errors.New("boom")
		}, false))
		require.NoError(t, table.Register("ping", func(context.Context, string, *Payload, *Reply) error {
			ran = append(ran, "panic")
			panic("kaboom")
		}, false))
		require.NoError(t, table.Register("ping", func(context.Context, string, *Payload, *Reply) error {
			ran = append(ran, "ok")
			return nil
		}, false))

		assert.NotPanics(t, func() {
			table.HandleMessage(ctx, "c", encodePacket(t, contracts.NewEventPacket("ping", nil)))
		})
		assert.Equal(t, []string{"error", "panic", "ok"}, ran)
		assert.Equal(t, int64(2), metrics.GetStats().HandlerErrors)
		assert.Equal(t, int64(1), metrics.GetStats().MessagesDelivered)
	})

	t.Run("Register validates input", func(t *testing.T) {
		table := newTestListenerTable("self", nil, nil)
		assert.Error(t, table.Register("", func(context.Context, string, *Payload, *Reply) error { return nil }, false))
		assert.Error(t, table.Register("ping", nil, false))
	})
}

func TestListenerTableReply(t *testing.T) {
	ctx := context.Background()
	request := func(skipSelf bool) *contracts.Packet {
		p := contracts.NewEventPacket("ping", nil)
		p.CallbackID = "cb-1"
		if skipSelf {
			p.Sign("requester")
		}
		return p
	}

	t.Run("replies are sent at most once", func(t *testing.T) {
		publisher := &publishRecorder{}
		table := newTestListenerTable("responder", publisher, nil)

		require.NoError(t, table.Register("ping", func(ctx context.Context, _ string, _ *Payload, reply *Reply) error {
			require.NotNil(t, reply)
			for i := 0; i < 5; i++ {
				require.NoError(t, reply.Send(ctx, "pong"))
			}
			assert.True(t, reply.Sent())
			return nil
		}, false))

		table.HandleMessage(ctx, "c", encodePacket(t, request(false)))

		sent := publisher.packets()
		require.Len(t, sent, 1)
		assert.Equal(t, "c", sent[0].channel)

		reply := decodePacket(t, sent[0].payload)
		assert.Equal(t, contracts.PacketTypeCallback, reply.Type)
		assert.Equal(t, "cb-1", reply.CallbackID)
		assert.Equal(t, "c", reply.Event)
		assert.Equal(t, `"pong"`, string(reply.Data))
		assert.False(t, reply.SkipSelf)
		assert.Empty(t, reply.Signature)
	})

	t.Run("each handler gets its own reply", func(t *testing.T) {
		publisher := &publishRecorder{}
		table := newTestListenerTable("responder", publisher, nil)

		for i := 0; i < 2; i++ {
			i := i
			require.NoError(t, table.Register("ping", func(ctx context.Context, _ string, _ *Payload, reply *Reply) error {
				return reply.Send(ctx, i)
			}, false))
		}

		table.HandleMessage(ctx, "c", encodePacket(t, request(false)))
		assert.Len(t, publisher.packets(), 2)
	})

	t.Run("signed requests get signed replies", func(t *testing.T) {
		publisher := &publishRecorder{}
		table := newTestListenerTable("responder", publisher, nil)

		require.NoError(t, table.Register("ping", func(ctx context.Context, _ string, _ *Payload, reply *Reply) error {
			return reply.Send(ctx, "pong")
		}, false))

		table.HandleMessage(ctx, "c", encodePacket(t, request(true)))

		sent := publisher.packets()
		require.Len(t, sent, 1)
		reply := decodePacket(t, sent[0].payload)
		assert.True(t, reply.SkipSelf)
		assert.Equal(t, "responder", reply.Signature)
	})

	t.Run("replySkipSelf signs replies to unsigned requests", func(t *testing.T) {
		publisher := &publishRecorder{}
		table := newTestListenerTable("responder", publisher, nil)

		require.NoError(t, table.Register("ping", func(ctx context.Context, _ string, _ *Payload, reply *Reply) error {
			return reply.Send(ctx, "pong")
		}, true))

		table.HandleMessage(ctx, "c", encodePacket(t, request(false)))

		sent := publisher.packets()
		require.Len(t, sent, 1)
		assert.Equal(t, "responder", decodePacket(t, sent[0].payload).Signature)
	})

	t.Run("publish failures are returned to the handler", func(t *testing.T) {
		publisher := &publishRecorder{err: fmt.Errorf("broker down")}
		table := newTestListenerTable("responder", publisher, nil)

		var sendErr error
		require.NoError(t, table.Register("ping", func(ctx context.Context, _ string, _ *Payload, reply *Reply) error {
			sendErr = reply.Send(ctx, "pong")
			return nil
		}, false))

		table.HandleMessage(ctx, "c", encodePacket(t, request(false)))
		assert.ErrorContains(t, sendErr, "broker down")
	})
}

func TestListenerTableConcurrentRegister(t *testing.T) {
	table := newTestListenerTable("self", nil, nil)
	ctx := context.Background()
	wire := encodePacket(t, contracts.NewEventPacket("ping", nil))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = table.Register("ping", func(context.Context, string, *Payload, *Reply) error { return nil }, false)
		}()
		go func() {
			defer wg.Done()
			table.HandleMessage(ctx, "c", wire)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, table.Listeners("ping"))
}
