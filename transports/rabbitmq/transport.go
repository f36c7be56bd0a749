// Package rabbitmq implements messaging.Transport on a RabbitMQ topic exchange.
//
// Every channel is a routing key on one durable topic exchange. Each
// subscription gets its own exclusive, auto-deleted queue bound to its channels,
// or to "#" for pattern subscriptions, which are then filtered with glob
// matching. Publishes are mandatory and confirmed, so an unroutable publish
// reports zero receivers; a routed one reports messaging.ReceiversUnknown.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/internal/glob"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/messaging"
)

// DefaultExchange is the topic exchange used unless WithExchange is given
const DefaultExchange = "relay.pubsub"

// ErrClosed is returned by every operation after Close
var ErrClosed = errors.New("rabbitmq: transport is closed")

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager  *rabbitmq.ConnectionManager
	pool     *rabbitmq.ChannelPool
	topology *rabbitmq.TopologyManager
	consumer *rabbitmq.Consumer
	exchange rabbitmq.ExchangeDeclaration
	logger   *slog.Logger
	closed   atomic.Bool
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Exchange          string
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithExchange sets the topic exchange name
func WithExchange(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Exchange = name
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets publish channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates a RabbitMQ transport. The broker is not contacted until
// the first publish, subscription or ping.
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Exchange: DefaultExchange,
		Logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	u, err := url.Parse(connectionString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rabbitmq.ErrInvalidConfiguration, err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", rabbitmq.ErrInvalidConfiguration, u.Scheme)
	}
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("%w: exchange name cannot be empty", rabbitmq.ErrInvalidConfiguration)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)

	pool, err := rabbitmq.NewChannelPool(manager, cfg.PoolOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	topology := rabbitmq.NewTopologyManager(pool)
	manager.AddStateListener(topology)

	return &Transport{
		manager:  manager,
		pool:     pool,
		topology: topology,
		consumer: rabbitmq.NewConsumer(manager, rabbitmq.WithConsumerLogger(cfg.Logger)),
		exchange: rabbitmq.PubSubExchange(cfg.Exchange),
		logger:   cfg.Logger,
	}, nil
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, channel, payload string) (int64, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}

	if err := t.topology.EnsureExchange(ctx, t.exchange); err != nil {
		return 0, connectionLost(err)
	}

	routed, err := t.pool.Publish(ctx, t.exchange.Name, channel, true, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        []byte(payload),
	})
	if err != nil {
		return 0, connectionLost(err)
	}
	if !routed {
		return 0, nil
	}
	return messaging.ReceiversUnknown, nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, h messaging.Handler, channels ...string) error {
	return t.consume(ctx, h, false, channels)
}

// PSubscribe implements messaging.Transport
func (t *Transport) PSubscribe(ctx context.Context, h messaging.Handler, patterns ...string) error {
	return t.consume(ctx, h, true, patterns)
}

func (t *Transport) consume(ctx context.Context, h messaging.Handler, pattern bool, targets []string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(targets) == 0 {
		return fmt.Errorf("rabbitmq: at least one target is required")
	}

	keys := targets
	if pattern {
		keys = []string{"#"}
	}

	err := t.consumer.Consume(ctx, t.exchange, keys,
		func(string) { h.OnSubscribed(targets) },
		deliveryRouter(h, pattern, targets))

	if err == nil || ctx.Err() != nil {
		return nil
	}
	if t.closed.Load() {
		return ErrClosed
	}
	return connectionLost(err)
}

// deliveryRouter filters deliveries down to the subscribed targets. Topic
// wildcards in channel names and "#" bindings can both over-deliver.
func deliveryRouter(h messaging.Handler, pattern bool, targets []string) rabbitmq.DeliveryHandler {
	exact := make(map[string]struct{}, len(targets))
	for _, target := range targets {
		exact[target] = struct{}{}
	}

	return func(d amqp.Delivery) {
		channel := d.RoutingKey

		if !pattern {
			if _, ok := exact[channel]; ok {
				h.OnMessage(messaging.Message{Channel: channel, Payload: string(d.Body)})
			}
			return
		}

		for _, target := range targets {
			if glob.Match(target, channel) {
				h.OnMessage(messaging.Message{Pattern: target, Channel: channel, Payload: string(d.Body)})
				return
			}
		}
	}
}

// Ping implements messaging.Pinger
func (t *Transport) Ping(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if _, err := t.manager.Connection(ctx); err != nil {
		return connectionLost(err)
	}
	return nil
}

// Close closes the publish channels and the connection. Running subscriptions
// end with ErrClosed.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = t.pool.Close()
	return t.manager.Close()
}

// connectionLost marks retryable failures so subscription loops reconnect
func connectionLost(err error) error {
	if rabbitmq.IsFatal(err) {
		return err
	}
	return fmt.Errorf("%w: %w", messaging.ErrConnectionLost, err)
}
