package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-stomp/destination"
)

// MockTopologyChannel for testing
type MockTopologyChannel struct {
	mock.Mock
}

func (m *MockTopologyChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete).Error(0)
}

func (m *MockTopologyChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	a := m.Called(name, durable, autoDelete, exclusive)
	return a.Get(0).(amqp.Queue), a.Error(1)
}

func (m *MockTopologyChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange).Error(0)
}

func mustResolve(t *testing.T, dest string) destination.Descriptor {
	t.Helper()
	d, err := destination.Resolve(dest)
	require.NoError(t, err)
	return d
}

func TestPublishPlanFor(t *testing.T) {
	tests := []struct {
		dest     string
		exchange string
		key      string
		queue    string
	}{
		{"/queue/orders", "", "orders", "orders"},
		{"/topic/news.eu", "amq.topic", "news.eu", ""},
		{"/exchange/amq.direct/audit", "amq.direct", "audit", ""},
		{"/exchange/events", "events", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.dest, func(t *testing.T) {
			plan := PublishPlanFor(mustResolve(t, tt.dest))
			assert.Equal(t, tt.exchange, plan.Exchange)
			assert.Equal(t, tt.key, plan.RoutingKey)
			if tt.queue == "" {
				assert.Nil(t, plan.Queue)
				return
			}
			require.NotNil(t, plan.Queue)
			assert.Equal(t, tt.queue, plan.Queue.Name)
			assert.True(t, plan.Queue.Durable)
		})
	}
}

func TestSubscribePlanFor(t *testing.T) {
	t.Run("queue consumes the named queue", func(t *testing.T) {
		plan := SubscribePlanFor(mustResolve(t, "/queue/work"))
		assert.Equal(t, QueueDeclaration{Name: "work", Durable: true}, plan.Queue)
		assert.Nil(t, plan.Binding)
	})

	t.Run("topic binds a private queue to amq.topic", func(t *testing.T) {
		plan := SubscribePlanFor(mustResolve(t, "/topic/news.#"))
		assert.Equal(t, QueueDeclaration{Exclusive: true, AutoDelete: true}, plan.Queue)
		assert.Equal(t, &Binding{Exchange: "amq.topic", RoutingKey: "news.#"}, plan.Binding)
	})

	t.Run("exchange binds with its routing key", func(t *testing.T) {
		plan := SubscribePlanFor(mustResolve(t, "/exchange/does.not.exist"))
		assert.Equal(t, &Binding{Exchange: "does.not.exist"}, plan.Binding)
	})
}

func TestTopology(t *testing.T) {
	t.Run("named queues are declared once", func(t *testing.T) {
		ch := &MockTopologyChannel{}
		ch.On("QueueDeclare", "orders", true, false, false).Return(amqp.Queue{Name: "orders"}, nil).Once()
		topo := NewTopology(ch)

		plan := PublishPlanFor(mustResolve(t, "/queue/orders"))
		require.NoError(t, topo.PreparePublish(plan))
		require.NoError(t, topo.PreparePublish(plan))
		ch.AssertExpectations(t)
	})

	t.Run("subscription binds the generated queue", func(t *testing.T) {
		ch := &MockTopologyChannel{}
		ch.On("QueueDeclare", "", false, true, true).Return(amqp.Queue{Name: "amq.gen-1"}, nil)
		ch.On("QueueBind", "amq.gen-1", "news.*", "amq.topic").Return(nil)
		topo := NewTopology(ch)

		queue, err := topo.PrepareSubscription(SubscribePlanFor(mustResolve(t, "/topic/news.*")))
		require.NoError(t, err)
		assert.Equal(t, "amq.gen-1", queue)
		ch.AssertExpectations(t)
	})

	t.Run("binding failures keep the broker error", func(t *testing.T) {
		notFound := &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange 'does.not.exist' in vhost '/'"}
		ch := &MockTopologyChannel{}
		ch.On("QueueDeclare", "", false, true, true).Return(amqp.Queue{Name: "amq.gen-2"}, nil)
		ch.On("QueueBind", "amq.gen-2", "", "does.not.exist").Return(notFound)
		topo := NewTopology(ch)

		_, err := topo.PrepareSubscription(SubscribePlanFor(mustResolve(t, "/exchange/does.not.exist")))
		require.Error(t, err)

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "binding", topoErr.Component)

		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.NotFound, amqpErr.Code)
	})

	t.Run("exchange declarations", func(t *testing.T) {
		ch := &MockTopologyChannel{}
		ch.On("ExchangeDeclare", "events", "topic", true, false).Return(nil)
		topo := NewTopology(ch)

		require.NoError(t, topo.DeclareExchange(ExchangeDeclaration{Name: "events", Type: "topic", Durable: true}))
		assert.ErrorIs(t, topo.DeclareExchange(ExchangeDeclaration{Name: "untyped"}), ErrInvalidTopology)
		ch.AssertExpectations(t)
	})
}
