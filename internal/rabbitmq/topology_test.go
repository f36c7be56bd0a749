package rabbitmq

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDeclarer struct {
	mock.Mock
}

func (m *mockDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete).Error(0)
}

func (m *mockDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	a := m.Called(name, durable, autoDelete, exclusive)
	return a.Get(0).(amqp.Queue), a.Error(1)
}

func (m *mockDeclarer) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange).Error(0)
}

func TestDeclareSubscriber(t *testing.T) {
	exchange := PubSubExchange("relay.pubsub")

	t.Run("declares exchange, queue and one binding per key", func(t *testing.T) {
		d := &mockDeclarer{}
		d.On("ExchangeDeclare", "relay.pubsub", amqp.ExchangeTopic, true, false).Return(nil).Once()
		d.On("QueueDeclare", "", false, true, true).Return(amqp.Queue{Name: "amq.gen-1"}, nil).Once()
		d.On("QueueBind", "amq.gen-1", "orders", "relay.pubsub").Return(nil).Once()
		d.On("QueueBind", "amq.gen-1", "users", "relay.pubsub").Return(nil).Once()

		queue, err := DeclareSubscriber(d, exchange, []string{"orders", "users"})
		require.NoError(t, err)
		assert.Equal(t, "amq.gen-1", queue)
		d.AssertExpectations(t)
	})

	t.Run("stops at the first failure", func(t *testing.T) {
		cause := &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'type'"}

		d := &mockDeclarer{}
		d.On("ExchangeDeclare", "relay.pubsub", amqp.ExchangeTopic, true, false).Return(cause).Once()

		_, err := DeclareSubscriber(d, exchange, []string{"orders"})

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "exchange", topoErr.Component)
		assert.ErrorIs(t, err, cause)
		assert.False(t, IsRetryable(err))
		d.AssertNotCalled(t, "QueueDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("binding failure names the queue", func(t *testing.T) {
		d := &mockDeclarer{}
		d.On("ExchangeDeclare", "relay.pubsub", amqp.ExchangeTopic, true, false).Return(nil)
		d.On("QueueDeclare", "", false, true, true).Return(amqp.Queue{Name: "q1"}, nil)
		d.On("QueueBind", "q1", "#", "relay.pubsub").Return(errors.New("channel closed"))

		_, err := DeclareSubscriber(d, exchange, []string{"#"})

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "binding", topoErr.Component)
		assert.Equal(t, "q1->relay.pubsub", topoErr.Name)
	})
}

func TestTopologyManagerReset(t *testing.T) {
	tm := NewTopologyManager(nil)
	tm.declared.Store("relay.pubsub", struct{}{})

	var listener ConnectionStateListener = tm
	listener.OnDisconnected(errors.New("connection reset"))

	_, ok := tm.declared.Load("relay.pubsub")
	assert.False(t, ok)
}
