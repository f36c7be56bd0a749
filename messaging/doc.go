// Package messaging correlates requests, replies and notifications over a plain
// publish/subscribe transport.
//
// The package is built around a few pieces:
//   - Messenger: the facade applications use to publish, subscribe and request
//   - ListenerTable: dispatches EVENT packets on a channel or pattern to the
//     listeners registered for the packet's event name, in registration order
//   - CallbackTable: routes CALLBACK packets to the reply handlers waiting on a
//     correlation id, and expires them after the callback TTL
//   - Subscription: keeps one transport subscription alive, reconnecting with
//     backoff when the connection drops
//   - Transport: the adapter contract implemented by the memory, redis,
//     rabbitmq and postgres transports
//
// Packets signed with skipSelf are ignored by the instance that sent them, so an
// instance can publish on a channel it also listens to without hearing itself.
//
// Example usage:
//
//	m, err := messaging.New(transport, messaging.WithCallbackTTL(10*time.Second))
//	if err != nil {
//		return err
//	}
//	defer m.Close()
//
//	err = m.Subscribe("c", "ping", func(ctx context.Context, channel string, p *messaging.Payload, reply *messaging.Reply) error {
//		return reply.Send(ctx, "pong")
//	})
//
//	answer, err := messaging.RequestAs[string](ctx, m, "c", "ping", nil, messaging.WithSkipSelf())
//
// Handlers run on the Messenger's Executor, never on the transport's receive
// goroutine. A handler that panics or fails is logged and does not affect the
// other handlers of the same packet.
package messaging
