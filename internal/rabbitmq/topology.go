package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-stomp/destination"
)

const (
	defaultExchange = ""
	topicExchange   = "amq.topic"
)

// TopologyChannel is the part of *amqp.Channel used to declare topology
type TopologyChannel interface {
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

// QueueDeclaration defines a queue to be declared. An empty name asks the
// broker to generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding. An empty Queue binds the
// queue declared alongside it.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// PublishPlan says where a destination publishes and which queue must exist
// first.
type PublishPlan struct {
	Exchange   string
	RoutingKey string
	Queue      *QueueDeclaration
}

// SubscribePlan says which queue a destination consumes from and how it is
// bound.
type SubscribePlan struct {
	Queue   QueueDeclaration
	Binding *Binding
}

// PublishPlanFor maps a destination to its publish target. Queue
// destinations go through the default exchange to a durable queue of the
// same name, topics through amq.topic.
func PublishPlanFor(d destination.Descriptor) PublishPlan {
	switch d.Kind {
	case destination.Queue:
		return PublishPlan{
			Exchange:   defaultExchange,
			RoutingKey: d.Name,
			Queue:      &QueueDeclaration{Name: d.Name, Durable: true},
		}
	case destination.Topic:
		return PublishPlan{Exchange: topicExchange, RoutingKey: d.Name}
	default:
		return PublishPlan{Exchange: d.Name, RoutingKey: d.RoutingKey}
	}
}

// SubscribePlanFor maps a destination to the queue a subscription consumes.
// Exchange and topic subscriptions get an exclusive broker-named queue.
func SubscribePlanFor(d destination.Descriptor) SubscribePlan {
	if d.Kind == destination.Queue {
		return SubscribePlan{Queue: QueueDeclaration{Name: d.Name, Durable: true}}
	}

	exchange, key := d.Name, d.RoutingKey
	if d.Kind == destination.Topic {
		exchange, key = topicExchange, d.Name
	}
	return SubscribePlan{
		Queue:   QueueDeclaration{Exclusive: true, AutoDelete: true},
		Binding: &Binding{Exchange: exchange, RoutingKey: key},
	}
}

// Topology declares exchanges, queues and bindings on one channel and
// remembers the named queues it has already declared.
type Topology struct {
	ch       TopologyChannel
	declared map[string]bool
}

// NewTopology creates a topology helper for ch
func NewTopology(ch TopologyChannel) *Topology {
	return &Topology{ch: ch, declared: make(map[string]bool)}
}

// DeclareExchange declares a single exchange
func (t *Topology) DeclareExchange(ex ExchangeDeclaration) error {
	if ex.Name == "" || ex.Type == "" {
		return &TopologyError{Component: "exchange", Name: ex.Name, Op: "declare", Err: ErrInvalidTopology}
	}
	err := t.ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, false, ex.Arguments)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: ex.Name, Op: "declare", Err: err}
	}
	return nil
}

// DeclareQueue declares a queue and returns its name. Named queues are
// declared once per Topology.
func (t *Topology) DeclareQueue(q QueueDeclaration) (string, error) {
	if q.Name != "" && t.declared[q.Name] {
		return q.Name, nil
	}

	declared, err := t.ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments)
	if err != nil {
		return "", &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err}
	}
	if q.Name != "" {
		t.declared[q.Name] = true
	}
	return declared.Name, nil
}

// Bind creates a queue binding
func (t *Topology) Bind(b Binding) error {
	if err := t.ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Arguments); err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s->%s", b.Exchange, b.Queue),
			Op:        "create",
			Err:       err,
		}
	}
	return nil
}

// PreparePublish makes sure the queue a publish plan needs exists
func (t *Topology) PreparePublish(p PublishPlan) error {
	if p.Queue == nil {
		return nil
	}
	_, err := t.DeclareQueue(*p.Queue)
	return err
}

// PrepareSubscription declares and binds the queue of a subscribe plan and
// returns the queue name to consume from.
func (t *Topology) PrepareSubscription(p SubscribePlan) (string, error) {
	queue, err := t.DeclareQueue(p.Queue)
	if err != nil {
		return "", err
	}
	if p.Binding != nil {
		b := *p.Binding
		if b.Queue == "" {
			b.Queue = queue
		}
		if err := t.Bind(b); err != nil {
			return "", err
		}
	}
	return queue, nil
}
