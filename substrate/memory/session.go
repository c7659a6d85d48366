package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-stomp/destination"
	"github.com/glimte/mmate-stomp/substrate"
)

const subscriptionQueuePrefix = "stomp-subscription-"

type outcome struct {
	seq uint64
	ack bool
}

type unackedMessage struct {
	queue        *queue
	env          envelope
	subscription string
}

// Session is a publishing and consuming channel on a Broker
type Session struct {
	broker *Broker
	done   chan struct{}
	once   sync.Once

	mu            sync.Mutex
	nextSeq       uint64
	unconfirmed   []outcome
	confirmSignal chan struct{}
	confirmations chan substrate.Confirmation
	deliveries    *mailbox[substrate.Delivery]

	// guarded by broker.mu
	closed    bool
	consumers map[string]*consumer
	unacked   map[uint64]unackedMessage
	nextTag   uint64
}

func newSession(b *Broker) *Session {
	s := &Session{
		broker:        b,
		done:          make(chan struct{}),
		confirmSignal: make(chan struct{}, 1),
		confirmations: make(chan substrate.Confirmation, 64),
		deliveries:    newMailbox[substrate.Delivery](64),
		consumers:     make(map[string]*consumer),
		unacked:       make(map[uint64]unackedMessage),
	}

	go s.confirmLoop()
	go s.deliveries.run(s.done)
	return s
}

func publishTarget(d destination.Descriptor) (string, string) {
	switch d.Kind {
	case destination.Queue:
		return defaultExchange, d.Name
	case destination.Topic:
		return topicExchange, d.Name
	default:
		return d.Name, d.RoutingKey
	}
}

// Submit routes msg and schedules its confirmation
func (s *Session) Submit(ctx context.Context, target destination.Descriptor, msg substrate.Message) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b := s.broker
	ack := b.reject == nil || !b.reject(target, msg)

	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return 0, substrate.ErrSessionClosed
	}
	exchangeName, key := publishTarget(target)
	if target.Kind == destination.Queue {
		b.declareQueue(target.Name, nil)
	}
	var err error
	if _, ok := b.exchanges[exchangeName]; !ok {
		err = substrate.NotFoundError("exchange", exchangeName, b.vhost)
	} else if ack {
		err = b.route(exchangeName, key, msg)
	}
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	s.unconfirmed = append(s.unconfirmed, outcome{seq: seq, ack: ack})
	s.mu.Unlock()

	select {
	case s.confirmSignal <- struct{}{}:
	default:
	}
	return seq, nil
}

// Subscribe attaches a consumer. Exchange and topic subscriptions get a
// private queue that is removed with the subscription.
func (s *Session) Subscribe(ctx context.Context, target destination.Descriptor, sub substrate.Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return substrate.ErrSessionClosed
	}
	if _, dup := s.consumers[sub.ID]; dup {
		return &substrate.Error{
			Code:   substrate.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - duplicate subscription '%s'", sub.ID),
		}
	}

	var q *queue
	switch target.Kind {
	case destination.Queue:
		q = b.declareQueue(target.Name, nil)
	default:
		exchangeName, key := publishTarget(target)
		ex, ok := b.exchanges[exchangeName]
		if !ok {
			return substrate.NotFoundError("exchange", exchangeName, b.vhost)
		}
		q = b.declareQueue(subscriptionQueuePrefix+uuid.NewString(), s)
		ex.bindings = append(ex.bindings, binding{queue: q.name, key: key})
	}

	c := &consumer{session: s, sub: sub, queue: q}
	q.consumers = append(q.consumers, c)
	s.consumers[sub.ID] = c
	q.dispatch()
	return nil
}

// Unsubscribe detaches a consumer
func (s *Session) Unsubscribe(ctx context.Context, id string) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := s.consumers[id]
	if !ok {
		return &substrate.Error{
			Code:   substrate.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no subscription '%s'", id),
		}
	}
	s.detach(c)
	return nil
}

// detach removes a consumer. Callers hold broker.mu.
func (s *Session) detach(c *consumer) {
	delete(s.consumers, c.sub.ID)
	c.queue.removeConsumer(c)
	if c.queue.owner == s {
		s.broker.deleteQueue(c.queue)
	}
}

// deliver is called by queues with broker.mu held.
func (s *Session) deliver(c *consumer, env envelope) {
	s.nextTag++
	tag := s.nextTag
	if !c.sub.AutoAck {
		s.unacked[tag] = unackedMessage{queue: c.queue, env: env, subscription: c.sub.ID}
	}

	s.deliveries.push(substrate.Delivery{
		Subscription: c.sub.ID,
		Tag:          tag,
		Exchange:     env.exchange,
		RoutingKey:   env.routingKey,
		Redelivered:  env.redelivered,
		Message:      env.msg,
	})
}

// settle removes the unacked messages selected by tag and returns them in
// delivery order. A multiple settlement only covers the subscription that
// received tag. Callers hold broker.mu.
func (s *Session) settle(tag uint64, multiple bool) ([]unackedMessage, error) {
	acked, ok := s.unacked[tag]
	if !ok {
		return nil, fmt.Errorf("%w %d", substrate.ErrUnknownTag, tag)
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t, m := range s.unacked {
			if t <= tag && m.subscription == acked.subscription {
				tags = append(tags, t)
			}
		}
		slices.Sort(tags)
	}

	settled := make([]unackedMessage, 0, len(tags))
	for _, t := range tags {
		settled = append(settled, s.unacked[t])
		delete(s.unacked, t)
	}
	return settled, nil
}

// Ack settles delivered messages
func (s *Session) Ack(tag uint64, multiple bool) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	_, err := s.settle(tag, multiple)
	return err
}

// Nack rejects delivered messages, optionally returning them to their queues
func (s *Session) Nack(tag uint64, multiple, requeue bool) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	settled, err := s.settle(tag, multiple)
	if err != nil {
		return err
	}
	if requeue {
		b.requeue(settled)
	}
	return nil
}

// requeue returns messages to their live queues. Callers hold b.mu.
func (b *Broker) requeue(msgs []unackedMessage) {
	byQueue := make(map[*queue][]envelope)
	var order []*queue
	for _, m := range msgs {
		if live, ok := b.queues[m.queue.name]; !ok || live != m.queue {
			continue
		}
		if _, seen := byQueue[m.queue]; !seen {
			order = append(order, m.queue)
		}
		byQueue[m.queue] = append(byQueue[m.queue], m.env)
	}
	for _, q := range order {
		q.requeue(byQueue[q])
	}
}

func (s *Session) Confirmations() <-chan substrate.Confirmation {
	return s.confirmations
}

func (s *Session) Deliveries() <-chan substrate.Delivery {
	return s.deliveries.out
}

// Failures returns nil. The memory broker rejects publishes synchronously
// from Submit, so a session never fails asynchronously.
func (s *Session) Failures() <-chan error {
	return nil
}

// Close detaches every consumer, deletes private queues and returns unacked
// messages to their queues.
func (s *Session) Close() error {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		s.closed = true
		for _, c := range s.consumers {
			s.detach(c)
		}

		tags := make([]uint64, 0, len(s.unacked))
		for t := range s.unacked {
			tags = append(tags, t)
		}
		slices.Sort(tags)
		pending := make([]unackedMessage, 0, len(tags))
		for _, t := range tags {
			pending = append(pending, s.unacked[t])
		}
		s.unacked = make(map[uint64]unackedMessage)
		b.requeue(pending)
		b.mu.Unlock()

		close(s.done)
	})
	return nil
}

func (s *Session) confirmLoop() {
	for {
		select {
		case <-s.confirmSignal:
		case <-s.done:
			return
		}

		if delay := s.broker.confirmDelay; delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-s.done:
				timer.Stop()
				return
			}
		}

		s.mu.Lock()
		pending := s.unconfirmed
		s.unconfirmed = nil
		s.mu.Unlock()

		for _, c := range coalesce(pending, s.broker.confirmBatch) {
			select {
			case s.confirmations <- c:
			case <-s.done:
				return
			}
		}
	}
}

// coalesce merges consecutive outcomes of the same polarity into ranges of
// at most limit publishes.
func coalesce(outcomes []outcome, limit int) []substrate.Confirmation {
	var out []substrate.Confirmation
	for _, o := range outcomes {
		if n := len(out); n > 0 {
			last := &out[n-1]
			size := last.End - last.Start + 1
			if last.Ack == o.ack && last.End+1 == o.seq && (limit <= 0 || size < uint64(limit)) {
				last.End = o.seq
				continue
			}
		}
		out = append(out, substrate.Confirmation{Start: o.seq, End: o.seq, Ack: o.ack})
	}
	return out
}
