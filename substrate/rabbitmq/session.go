package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	rabbit "github.com/glimte/mmate-stomp/internal/rabbitmq"
	"github.com/glimte/mmate-stomp/destination"
	"github.com/glimte/mmate-stomp/substrate"
)

// amqpChannel is the part of *amqp.Channel a session drives
type amqpChannel interface {
	rabbit.TopologyChannel
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type session struct {
	ch       amqpChannel
	topology *rabbit.Topology
	batch    int
	logger   *slog.Logger

	mu        sync.Mutex
	consumers map[string]string
	// unacked maps delivery tags to the subscription that received them
	unacked map[uint64]string

	confirmations chan substrate.Confirmation
	deliveries    chan substrate.Delivery
	failures      chan error

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(ch amqpChannel, batch int, logger *slog.Logger) *session {
	s := &session{
		ch:            ch,
		topology:      rabbit.NewTopology(ch),
		batch:         batch,
		logger:        logger,
		consumers:     make(map[string]string),
		unacked:       make(map[uint64]string),
		confirmations: make(chan substrate.Confirmation),
		deliveries:    make(chan substrate.Delivery),
		failures:      make(chan error, 1),
		done:          make(chan struct{}),
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 256))
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go s.forwardConfirms(confirms)
	go s.watch(closed)
	return s
}

func (s *session) Submit(ctx context.Context, target destination.Descriptor, msg substrate.Message) (uint64, error) {
	plan := rabbit.PublishPlanFor(target)
	if err := s.topology.PreparePublish(plan); err != nil {
		return 0, translateError(err)
	}

	seq := s.ch.GetNextPublishSeqNo()
	if err := s.ch.PublishWithContext(ctx, plan.Exchange, plan.RoutingKey, false, false, toPublishing(msg)); err != nil {
		return 0, translateError(err)
	}
	return seq, nil
}

func (s *session) Subscribe(ctx context.Context, target destination.Descriptor, sub substrate.Subscription) error {
	s.mu.Lock()
	_, dup := s.consumers[sub.ID]
	s.mu.Unlock()
	if dup {
		return fmt.Errorf("subscription %q already exists", sub.ID)
	}

	queue, err := s.topology.PrepareSubscription(rabbit.SubscribePlanFor(target))
	if err != nil {
		return translateError(err)
	}

	tag := "stomp-" + uuid.NewString()
	in, err := s.ch.Consume(queue, tag, sub.AutoAck, false, false, false, nil)
	if err != nil {
		return translateError(err)
	}

	s.mu.Lock()
	s.consumers[sub.ID] = tag
	s.mu.Unlock()

	s.logger.Debug("consumer started", "subscription", sub.ID, "queue", queue, "consumer", tag)
	go s.forwardDeliveries(sub, in)
	return nil
}

func (s *session) Unsubscribe(ctx context.Context, id string) error {
	s.mu.Lock()
	tag, ok := s.consumers[id]
	delete(s.consumers, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription %q", id)
	}
	return translateError(s.ch.Cancel(tag, false))
}

func (s *session) Ack(tag uint64, multiple bool) error {
	tags, err := s.settle(tag, multiple)
	if err != nil {
		return err
	}
	for _, t := range tags {
		if err := s.ch.Ack(t, false); err != nil {
			return translateError(err)
		}
	}
	return nil
}

func (s *session) Nack(tag uint64, multiple, requeue bool) error {
	tags, err := s.settle(tag, multiple)
	if err != nil {
		return err
	}
	for _, t := range tags {
		if err := s.ch.Nack(t, false, requeue); err != nil {
			return translateError(err)
		}
	}
	return nil
}

// settle forgets the delivery tags an ack covers and returns them in order.
// The channel is shared by every subscription of the connection, so a
// multiple ack is expanded to the tags of the subscription that received
// tag. Acking a tag the broker never handed out would close the channel, so
// it is refused up front.
func (s *session) settle(tag uint64, multiple bool) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.unacked[tag]
	if !ok {
		return nil, substrate.ErrUnknownTag
	}
	if !multiple {
		delete(s.unacked, tag)
		return []uint64{tag}, nil
	}

	var tags []uint64
	for t, sub := range s.unacked {
		if t <= tag && sub == owner {
			tags = append(tags, t)
		}
	}
	slices.Sort(tags)
	for _, t := range tags {
		delete(s.unacked, t)
	}
	return tags, nil
}

func (s *session) Confirmations() <-chan substrate.Confirmation { return s.confirmations }
func (s *session) Deliveries() <-chan substrate.Delivery         { return s.deliveries }
func (s *session) Failures() <-chan error                        { return s.failures }

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if cerr := s.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = translateError(cerr)
		}
	})
	return err
}

// forwardConfirms relays broker confirms in order, merging runs that pile up
// while the gateway is busy into a single range.
func (s *session) forwardConfirms(in <-chan amqp.Confirmation) {
	var pending []substrate.Confirmation
	for {
		var out chan<- substrate.Confirmation
		var next substrate.Confirmation
		if len(pending) > 0 {
			out = s.confirmations
			next = pending[0]
		} else if in == nil {
			return
		}

		select {
		case c, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			pending = appendConfirm(pending, c, s.batch)
		case out <- next:
			pending = pending[1:]
		case <-s.done:
			return
		}
	}
}

// appendConfirm adds c to pending, extending the last range when c continues
// it with the same outcome. limit caps the size of a range; zero means no cap.
func appendConfirm(pending []substrate.Confirmation, c amqp.Confirmation, limit int) []substrate.Confirmation {
	if n := len(pending); n > 0 {
		last := &pending[n-1]
		size := last.End - last.Start + 1
		if last.Ack == c.Ack && last.End+1 == c.DeliveryTag && (limit <= 0 || size < uint64(limit)) {
			last.End = c.DeliveryTag
			return pending
		}
	}
	return append(pending, substrate.Confirmation{Start: c.DeliveryTag, End: c.DeliveryTag, Ack: c.Ack})
}

func (s *session) forwardDeliveries(sub substrate.Subscription, in <-chan amqp.Delivery) {
	for d := range in {
		if !sub.AutoAck {
			s.mu.Lock()
			s.unacked[d.DeliveryTag] = sub.ID
			s.mu.Unlock()
		}
		select {
		case s.deliveries <- toDelivery(sub.ID, d):
		case <-s.done:
			return
		}
	}
}

func (s *session) watch(closed <-chan *amqp.Error) {
	select {
	case err, ok := <-closed:
		if !ok || err == nil {
			return
		}
		s.logger.Warn("channel closed by broker", "code", err.Code, "reason", err.Reason)
		select {
		case s.failures <- translateError(err):
		case <-s.done:
		}
	case <-s.done:
	}
}

func toPublishing(msg substrate.Message) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:  msg.ContentType,
		MessageId:    msg.MessageID,
		Body:         msg.Body,
		Timestamp:    time.Now(),
		DeliveryMode: amqp.Transient,
	}
	if msg.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	if len(msg.Headers) > 0 {
		p.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

func toDelivery(subID string, d amqp.Delivery) substrate.Delivery {
	msg := substrate.Message{
		Body:        d.Body,
		ContentType: d.ContentType,
		MessageID:   d.MessageId,
		Persistent:  d.DeliveryMode == amqp.Persistent,
	}
	if len(d.Headers) > 0 {
		msg.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			msg.Headers[k] = fmt.Sprint(v)
		}
	}
	return substrate.Delivery{
		Subscription: subID,
		Tag:          d.DeliveryTag,
		Exchange:     d.Exchange,
		RoutingKey:   d.RoutingKey,
		Redelivered:  d.Redelivered,
		Message:      msg,
	}
}

// translateError turns broker channel exceptions into substrate errors so the
// gateway can report them by AMQP code.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return &substrate.Error{Code: amqpErr.Code, Reason: amqpErr.Reason}
	}
	return err
}
