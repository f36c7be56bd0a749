package messaging

import (
	"context"
	"fmt"
)

// Request publishes event on channel and waits for the first reply. Without a
// deadline on ctx the wait is bounded by the callback TTL, after which no reply
// could be delivered anyway.
func (m *Messenger) Request(ctx context.Context, channel, event string, payload any, options ...PublishOption) (*Payload, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.ttl)
		defer cancel()
	}

	replies := make(chan *Payload, 1)
	first := func(_ context.Context, _ string, p *Payload) error {
		select {
		case replies <- p:
		default:
		}
		return nil
	}

	options = append(options, WithReply(first))
	if _, err := m.Publish(ctx, channel, event, payload, options...); err != nil {
		return nil, err
	}

	select {
	case p := <-replies:
		return p, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s on %s: %w", event, channel, ctx.Err())
	}
}

// RequestAs sends a request and decodes the first reply into T
func RequestAs[T any](ctx context.Context, m *Messenger, channel, event string, payload any, options ...PublishOption) (T, error) {
	var zero T

	reply, err := m.Request(ctx, channel, event, payload, options...)
	if err != nil {
		return zero, err
	}

	v, err := DecodeAs[T](reply)
	if err != nil {
		return zero, fmt.Errorf("failed to decode reply to %s: %w", event, err)
	}
	return v, nil
}
