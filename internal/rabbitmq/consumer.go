package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. It runs on the consumer goroutine.
type DeliveryHandler func(delivery amqp.Delivery)

// Consumer runs subscriber queues, each on its own channel. Deliveries are
// auto-acknowledged.
type Consumer struct {
	manager     *ConnectionManager
	consumerTag string
	logger      *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerTag sets the consumer tag prefix
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager: manager,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consume declares a subscriber queue bound to routingKeys on exchange and
// passes every delivery to handler. ready is called once the broker has
// registered the consumer. Consume returns nil when ctx is done and a
// ConsumerError when the channel or connection closes.
func (c *Consumer) Consume(ctx context.Context, exchange ExchangeDeclaration, routingKeys []string, ready func(queue string), handler DeliveryHandler) error {
	conn, err := c.manager.Connection(ctx)
	if err != nil {
		return &ConsumerError{Op: "connect", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return &ConsumerError{Op: "open channel", Err: err, Timestamp: time.Now()}
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	queue, err := DeclareSubscriber(ch, exchange, routingKeys)
	if err != nil {
		return &ConsumerError{Op: "declare", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		c.consumerTag,
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c.logger.Debug("consuming",
		"queue", queue,
		"exchange", exchange.Name,
		"routingKeys", routingKeys)

	if ready != nil {
		ready(queue)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case amqpErr, ok := <-closed:
			var cause error = ErrChannelClosed
			if ok && amqpErr != nil {
				cause = amqpErr
			}
			return &ConsumerError{Queue: queue, Op: "consume", Err: cause, Timestamp: time.Now()}

		case delivery, ok := <-deliveries:
			if !ok {
				return &ConsumerError{Queue: queue, Op: "consume", Err: ErrChannelClosed, Timestamp: time.Now()}
			}
			handler(delivery)
		}
	}
}
