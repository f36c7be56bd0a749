package messaging

import (
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/serialization"
)

const (
	// DefaultCallbackTTL is how long a reply handler stays registered
	DefaultCallbackTTL = 20 * time.Second
	// DefaultReadyTimeout bounds the wait for a new subscription to be confirmed
	DefaultReadyTimeout = 2 * time.Second
	// DefaultShutdownTimeout bounds how long Close waits for queued work
	DefaultShutdownTimeout = 5 * time.Second
)

// Option configures a Messenger
type Option func(*Messenger)

// WithCallbackTTL sets how long reply handlers stay registered. It is also the
// sweep period. Must be greater than zero.
func WithCallbackTTL(ttl time.Duration) Option {
	return func(m *Messenger) {
		m.ttl = ttl
	}
}

// WithDefaultChannel sets the channel used by PublishDefault
func WithDefaultChannel(channel string) Option {
	return func(m *Messenger) {
		m.defaultChannel = channel
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Messenger) {
		m.logger = logger
	}
}

// WithCodec sets the packet and payload codec
func WithCodec(codec serialization.Codec) Option {
	return func(m *Messenger) {
		m.codec = codec
	}
}

// WithEventTypes sets the registry used by Payload.Value
func WithEventTypes(types serialization.TypeRegistry) Option {
	return func(m *Messenger) {
		m.types = types
	}
}

// WithExecutor sets the executor for dispatch and async publishes.
// The Messenger shuts it down on Close.
func WithExecutor(executor Executor) Option {
	return func(m *Messenger) {
		m.executor = executor
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(m *Messenger) {
		m.metrics = metrics
	}
}

// WithBackoff sets the reconnect policy of every subscription loop
func WithBackoff(policy reliability.BackoffPolicy) Option {
	return func(m *Messenger) {
		m.backoff = policy
	}
}

// WithSignature overrides the generated instance signature
func WithSignature(signature string) Option {
	return func(m *Messenger) {
		m.signature = signature
	}
}

// WithReadyTimeout bounds the wait for a new subscription to be confirmed.
// Zero disables waiting.
func WithReadyTimeout(timeout time.Duration) Option {
	return func(m *Messenger) {
		m.readyTimeout = timeout
	}
}

// WithShutdownTimeout bounds how long Close waits for the executor to drain
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(m *Messenger) {
		m.shutdownTimeout = timeout
	}
}

// WithPublishBreaker guards every transport publish with a circuit breaker
func WithPublishBreaker(breaker *reliability.CircuitBreaker) Option {
	return func(m *Messenger) {
		m.breaker = breaker
	}
}

// WithClock overrides the clock used for callback expiry
func WithClock(now func() time.Time) Option {
	return func(m *Messenger) {
		m.now = now
	}
}

// PublishOption configures a single publish
type PublishOption func(*publishOptions)

type publishOptions struct {
	reply    CallbackFunc
	skipSelf bool
}

// WithReply registers handler for replies to this publish. It may run once per
// replying listener until the callback TTL expires.
func WithReply(handler CallbackFunc) PublishOption {
	return func(o *publishOptions) {
		o.reply = handler
	}
}

// WithSkipSelf signs the packet so this instance's own listeners ignore it
func WithSkipSelf() PublishOption {
	return func(o *publishOptions) {
		o.skipSelf = true
	}
}

// SubscribeOption configures a listener registration
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	pattern       bool
	replySkipSelf bool
}

// AsPattern treats the target as a glob pattern
func AsPattern() SubscribeOption {
	return func(o *subscribeOptions) {
		o.pattern = true
	}
}

// WithReplySkipSelf signs replies sent by this listener even when the request was not signed
func WithReplySkipSelf() SubscribeOption {
	return func(o *subscribeOptions) {
		o.replySkipSelf = true
	}
}
