package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Declarer is the subset of *amqp.Channel used to declare topology
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty Name lets the
// broker generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// PubSubExchange is the durable topic exchange every channel is published to
func PubSubExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:    name,
		Type:    amqp.ExchangeTopic,
		Durable: true,
	}
}

// SubscriberQueue is a broker-named queue that lives as long as its consumer
func SubscriberQueue() QueueDeclaration {
	return QueueDeclaration{
		AutoDelete: true,
		Exclusive:  true,
	}
}

// TopologyManager declares exchanges through a channel pool and remembers what
// it has declared until Reset
type TopologyManager struct {
	pool     *ChannelPool
	declared sync.Map
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// EnsureExchange declares exchange once per connection
func (tm *TopologyManager) EnsureExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	if _, ok := tm.declared.Load(exchange.Name); ok {
		return nil
	}

	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return DeclareExchange(ch, exchange)
	})
	if err != nil {
		return err
	}

	tm.declared.Store(exchange.Name, struct{}{})
	return nil
}

// Reset forgets declared exchanges so they are declared again on next use
func (tm *TopologyManager) Reset() {
	tm.declared.Range(func(key, _ any) bool {
		tm.declared.Delete(key)
		return true
	})
}

// OnConnected implements ConnectionStateListener
func (tm *TopologyManager) OnConnected() {}

// OnDisconnected implements ConnectionStateListener. A new connection may
// reach a broker that has never seen the exchange.
func (tm *TopologyManager) OnDisconnected(error) {
	tm.Reset()
}

// DeclareExchange declares an exchange on d
func DeclareExchange(d Declarer, exchange ExchangeDeclaration) error {
	err := d.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares a queue on d and returns its name
func DeclareQueue(d Declarer, queue QueueDeclaration) (string, error) {
	q, err := d.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return "", &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q.Name, nil
}

// BindQueue binds a queue to an exchange on d
func BindQueue(d Declarer, binding Binding) error {
	err := d.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareSubscriber declares exchange, a subscriber queue and one binding per
// routing key. It returns the queue name.
func DeclareSubscriber(d Declarer, exchange ExchangeDeclaration, routingKeys []string) (string, error) {
	if err := DeclareExchange(d, exchange); err != nil {
		return "", err
	}

	queue, err := DeclareQueue(d, SubscriberQueue())
	if err != nil {
		return "", err
	}

	for _, key := range routingKeys {
		if err := BindQueue(d, Binding{Queue: queue, Exchange: exchange.Name, RoutingKey: key}); err != nil {
			return "", err
		}
	}
	return queue, nil
}
