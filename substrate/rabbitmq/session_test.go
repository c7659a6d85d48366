package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-stomp/destination"
	"github.com/glimte/mmate-stomp/substrate"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeChannel records what a session does to its AMQP channel
type fakeChannel struct {
	mu        sync.Mutex
	seq       uint64
	published []published
	queues    []string
	bindings  []string
	acks      []uint64
	nacks     []uint64
	multiple  bool
	cancelled []string
	bindErr   error

	confirms chan amqp.Confirmation
	closed   chan *amqp.Error
	consume  map[string]chan amqp.Delivery
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{seq: 1, consume: make(map[string]chan amqp.Delivery)}
}

// queue returns the delivery feed of the consumer on name
func (f *fakeChannel) queue(name string) chan amqp.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consume[name]
	if !ok {
		c = make(chan amqp.Delivery, 8)
		f.consume[name] = c
	}
	return c
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "" {
		name = "amq.gen-test"
	}
	f.queues = append(f.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, exchange+"/"+key+"->"+name)
	return f.bindErr
}

func (f *fakeChannel) GetNextPublishSeqNo() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.published = append(f.published, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.queue(queue), nil
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, consumer)
	return nil
}

func (f *fakeChannel) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	f.multiple = f.multiple || multiple
	return nil
}

func (f *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, tag)
	f.multiple = f.multiple || multiple
	return nil
}

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = confirm
	return confirm
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closed = c
	return c
}

func (f *fakeChannel) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openFake(t *testing.T, batch int) (*session, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	s := newSession(ch, batch, discardLogger())
	t.Cleanup(func() { s.Close() })
	return s, ch
}

func resolve(t *testing.T, dest string) destination.Descriptor {
	t.Helper()
	d, err := destination.Resolve(dest)
	require.NoError(t, err)
	return d
}

func TestSessionSubmit(t *testing.T) {
	s, ch := openFake(t, 0)
	ctx := context.Background()

	seq, err := s.Submit(ctx, resolve(t, "/queue/orders"), substrate.Message{Body: []byte("a"), Persistent: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	seq, err = s.Submit(ctx, resolve(t, "/exchange/amq.direct/audit"), substrate.Message{Body: []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	require.Len(t, ch.published, 2)
	assert.Equal(t, "", ch.published[0].exchange)
	assert.Equal(t, "orders", ch.published[0].key)
	assert.Equal(t, amqp.Persistent, ch.published[0].msg.DeliveryMode)
	assert.Equal(t, "amq.direct", ch.published[1].exchange)
	assert.Equal(t, "audit", ch.published[1].key)
	assert.Equal(t, []string{"orders"}, ch.queues)
}

func TestSessionConfirmations(t *testing.T) {
	s, ch := openFake(t, 0)

	ch.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
	select {
	case c := <-s.Confirmations():
		assert.Equal(t, substrate.Confirmation{Start: 1, End: 1, Ack: true}, c)
	case <-time.After(time.Second):
		t.Fatal("confirmation not forwarded")
	}
}

func TestSessionFailures(t *testing.T) {
	s, ch := openFake(t, 0)

	ch.closed <- &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange 'nope' in vhost '/'"}
	select {
	case err := <-s.Failures():
		assert.True(t, substrate.IsNotFound(err))
	case <-time.After(time.Second):
		t.Fatal("failure not forwarded")
	}
}

func TestSessionDeliveries(t *testing.T) {
	s, ch := openFake(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, resolve(t, "/topic/news.*"), substrate.Subscription{ID: "sub-0"}))
	assert.Equal(t, []string{"amq.topic/news.*->amq.gen-test"}, ch.bindings)
	assert.Error(t, s.Subscribe(ctx, resolve(t, "/topic/news.*"), substrate.Subscription{ID: "sub-0"}))

	ch.queue("amq.gen-test") <- amqp.Delivery{DeliveryTag: 7, Exchange: "amq.topic", RoutingKey: "news.eu", Body: []byte("hi")}
	select {
	case d := <-s.Deliveries():
		assert.Equal(t, "sub-0", d.Subscription)
		assert.Equal(t, uint64(7), d.Tag)
	case <-time.After(time.Second):
		t.Fatal("delivery not forwarded")
	}

	t.Run("acks are checked against delivered tags", func(t *testing.T) {
		assert.ErrorIs(t, s.Ack(3, false), substrate.ErrUnknownTag)
		require.NoError(t, s.Ack(7, false))
		assert.ErrorIs(t, s.Ack(7, false), substrate.ErrUnknownTag)
		assert.Equal(t, []uint64{7}, ch.acks)
	})

	t.Run("unsubscribe cancels the consumer", func(t *testing.T) {
		require.NoError(t, s.Unsubscribe(ctx, "sub-0"))
		require.Len(t, ch.cancelled, 1)
		assert.Contains(t, ch.cancelled[0], "stomp-")
		assert.Error(t, s.Unsubscribe(ctx, "sub-0"))
	})
}

func TestSessionMultipleAcks(t *testing.T) {
	s, ch := openFake(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, resolve(t, "/queue/qa"), substrate.Subscription{ID: "s1"}))
	require.NoError(t, s.Subscribe(ctx, resolve(t, "/queue/qb"), substrate.Subscription{ID: "s2"}))

	receive := func(queue string, tag uint64) {
		t.Helper()
		ch.queue(queue) <- amqp.Delivery{DeliveryTag: tag}
		select {
		case d := <-s.Deliveries():
			require.Equal(t, tag, d.Tag)
		case <-time.After(time.Second):
			t.Fatal("delivery not forwarded")
		}
	}
	receive("qa", 1)
	receive("qb", 2)
	receive("qa", 3)
	receive("qb", 4)

	require.NoError(t, s.Ack(4, true))
	assert.Equal(t, []uint64{2, 4}, ch.acks)

	require.NoError(t, s.Nack(3, true, true))
	assert.Equal(t, []uint64{1, 3}, ch.nacks)
	assert.False(t, ch.multiple, "acks must never cover the whole channel")

	assert.ErrorIs(t, s.Ack(1, true), substrate.ErrUnknownTag)
}

func TestSubscribeBindingFailure(t *testing.T) {
	s, ch := openFake(t, 0)
	ch.bindErr = &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange 'missing' in vhost '/'"}

	err := s.Subscribe(context.Background(), resolve(t, "/exchange/missing"), substrate.Subscription{ID: "s"})
	require.Error(t, err)
	assert.True(t, substrate.IsNotFound(err))
}

func TestAppendConfirm(t *testing.T) {
	ack := func(tag uint64) amqp.Confirmation { return amqp.Confirmation{DeliveryTag: tag, Ack: true} }
	nack := func(tag uint64) amqp.Confirmation { return amqp.Confirmation{DeliveryTag: tag} }

	t.Run("contiguous acks merge", func(t *testing.T) {
		var pending []substrate.Confirmation
		for tag := uint64(1); tag <= 5; tag++ {
			pending = appendConfirm(pending, ack(tag), 0)
		}
		assert.Equal(t, []substrate.Confirmation{{Start: 1, End: 5, Ack: true}}, pending)
	})

	t.Run("outcome change starts a new range", func(t *testing.T) {
		var pending []substrate.Confirmation
		pending = appendConfirm(pending, ack(1), 0)
		pending = appendConfirm(pending, ack(2), 0)
		pending = appendConfirm(pending, nack(3), 0)
		pending = appendConfirm(pending, ack(4), 0)
		assert.Equal(t, []substrate.Confirmation{
			{Start: 1, End: 2, Ack: true},
			{Start: 3, End: 3},
			{Start: 4, End: 4, Ack: true},
		}, pending)
	})

	t.Run("limit caps range size", func(t *testing.T) {
		var pending []substrate.Confirmation
		for tag := uint64(1); tag <= 5; tag++ {
			pending = appendConfirm(pending, ack(tag), 2)
		}
		assert.Equal(t, []substrate.Confirmation{
			{Start: 1, End: 2, Ack: true},
			{Start: 3, End: 4, Ack: true},
			{Start: 5, End: 5, Ack: true},
		}, pending)
	})
}

func TestConversions(t *testing.T) {
	t.Run("publishing", func(t *testing.T) {
		p := toPublishing(substrate.Message{
			Body:        []byte("x"),
			ContentType: "text/plain",
			MessageID:   "m-1",
			Headers:     map[string]string{"trace": "abc"},
		})
		assert.Equal(t, amqp.Transient, p.DeliveryMode)
		assert.Equal(t, "text/plain", p.ContentType)
		assert.Equal(t, "m-1", p.MessageId)
		assert.Equal(t, amqp.Table{"trace": "abc"}, p.Headers)
	})

	t.Run("delivery", func(t *testing.T) {
		d := toDelivery("sub-1", amqp.Delivery{
			DeliveryTag:  4,
			Redelivered:  true,
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{"attempt": int32(2)},
			Body:         []byte("y"),
		})
		assert.Equal(t, "sub-1", d.Subscription)
		assert.True(t, d.Redelivered)
		assert.True(t, d.Message.Persistent)
		assert.Equal(t, "2", d.Message.Headers["attempt"])
	})

	t.Run("errors", func(t *testing.T) {
		assert.Nil(t, translateError(nil))

		plain := errors.New("boom")
		assert.Equal(t, plain, translateError(plain))

		err := translateError(&amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED"})
		var serr *substrate.Error
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "access_refused", serr.Short())
	})
}
