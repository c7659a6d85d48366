package memory

import (
	"github.com/glimte/mmate-stomp/substrate"
)

type envelope struct {
	exchange    string
	routingKey  string
	redelivered bool
	msg         substrate.Message
}

type consumer struct {
	session *Session
	sub     substrate.Subscription
	queue   *queue
}

// queue holds ready messages and hands them round-robin to its consumers.
// All fields are guarded by the broker mutex.
type queue struct {
	name      string
	owner     *Session // set for exclusive, auto-deleted queues
	ready     []envelope
	consumers []*consumer
	next      int
}

func (q *queue) dispatch() {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		c := q.consumers[q.next%len(q.consumers)]
		q.next++

		env := q.ready[0]
		q.ready = q.ready[1:]
		c.session.deliver(c, env)
	}
}

func (q *queue) removeConsumer(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			return
		}
	}
}

func (q *queue) requeue(envs []envelope) {
	for i := range envs {
		envs[i].redelivered = true
	}
	q.ready = append(envs, q.ready...)
	q.dispatch()
}
