package messaging

import (
	"context"
)

// ReceiversUnknown is returned by Publish on transports that cannot count subscribers
const ReceiversUnknown int64 = -1

// Message is one raw delivery from a transport
type Message struct {
	// Pattern is the subscription pattern that matched, empty for plain channel subscriptions
	Pattern string
	// Channel is the channel the payload was published on
	Channel string
	// Payload is the encoded packet
	Payload string
}

// Handler receives transport callbacks for a single blocking subscribe call
type Handler interface {
	// OnSubscribed is called once the transport has confirmed the subscription
	OnSubscribed(targets []string)

	// OnMessage is called for every delivery, sequentially
	OnMessage(msg Message)
}

// Transport is the pub/sub primitive the messenger runs on.
//
// Subscribe and PSubscribe block for the lifetime of the subscription. They return nil
// when ctx is cancelled and an error wrapping ErrConnectionLost when the connection
// drops; any other error is treated as permanent by the caller.
type Transport interface {
	// Publish sends payload on channel and reports how many subscribers received it,
	// or ReceiversUnknown
	Publish(ctx context.Context, channel, payload string) (int64, error)

	// Subscribe listens on exact channel names
	Subscribe(ctx context.Context, h Handler, channels ...string) error

	// PSubscribe listens on glob patterns
	PSubscribe(ctx context.Context, h Handler, patterns ...string) error

	// Close releases the transport's connections
	Close() error
}

// Pinger is implemented by transports that can check broker reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlerFuncs adapts plain functions to Handler
type HandlerFuncs struct {
	Subscribed func(targets []string)
	Received   func(msg Message)
}

// OnSubscribed implements Handler
func (h HandlerFuncs) OnSubscribed(targets []string) {
	if h.Subscribed != nil {
		h.Subscribed(targets)
	}
}

// OnMessage implements Handler
func (h HandlerFuncs) OnMessage(msg Message) {
	if h.Received != nil {
		h.Received(msg)
	}
}
