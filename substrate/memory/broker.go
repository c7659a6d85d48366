// Package memory implements an in-process substrate with exchanges, queues,
// bindings and ranged publisher confirms. It backs the gateway when no
// RabbitMQ broker is configured and drives the gateway test suite.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-stomp/destination"
	"github.com/glimte/mmate-stomp/substrate"
)

const (
	kindDirect = "direct"
	kindFanout = "fanout"
	kindTopic  = "topic"

	defaultExchange = ""
	topicExchange   = "amq.topic"
)

// RejectFunc decides whether a publish is negatively confirmed
type RejectFunc func(target destination.Descriptor, msg substrate.Message) bool

// Broker is the in-process substrate
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	closed    bool

	vhost        string
	confirmBatch int
	confirmDelay time.Duration
	reject       RejectFunc
	logger       *slog.Logger
}

type exchange struct {
	name     string
	kind     string
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

// Option configures the broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithVHost sets the virtual host named in rejection messages
func WithVHost(vhost string) Option {
	return func(b *Broker) {
		b.vhost = vhost
	}
}

// WithConfirmBatch caps how many publishes a single confirmation may cover.
// Zero leaves ranges unbounded.
func WithConfirmBatch(n int) Option {
	return func(b *Broker) {
		b.confirmBatch = n
	}
}

// WithConfirmDelay holds confirmations back for d so that publishes arriving
// in the meantime are settled together.
func WithConfirmDelay(d time.Duration) Option {
	return func(b *Broker) {
		b.confirmDelay = d
	}
}

// WithRejectFunc negatively confirms the publishes matched by fn
func WithRejectFunc(fn RejectFunc) Option {
	return func(b *Broker) {
		b.reject = fn
	}
}

// NewBroker creates a broker with the standard exchanges declared.
func NewBroker(options ...Option) *Broker {
	b := &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		vhost:     "/",
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	for name, kind := range map[string]string{
		defaultExchange: kindDirect,
		"amq.direct":    kindDirect,
		"amq.fanout":    kindFanout,
		topicExchange:   kindTopic,
	} {
		b.exchanges[name] = &exchange{name: name, kind: kind}
	}

	return b
}

// DeclareExchange declares an exchange of the given kind. Redeclaring with
// a different kind fails.
func (b *Broker) DeclareExchange(name, kind string) error {
	switch kind {
	case kindDirect, kindFanout, kindTopic:
	default:
		return &substrate.Error{Code: substrate.PreconditionFailed, Reason: "PRECONDITION_FAILED - invalid exchange type '" + kind + "'"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return &substrate.Error{Code: substrate.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '" + name + "'"}
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind}
	return nil
}

// QueueDepth returns the number of ready messages in a queue.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Open creates a session
func (b *Broker) Open(ctx context.Context) (substrate.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, substrate.ErrSessionClosed
	}
	return newSession(b), nil
}

// Ping fails once the broker is closed
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return substrate.ErrSessionClosed
	}
	return ctx.Err()
}

// Close stops accepting sessions. Existing sessions keep working until they
// are closed by their owners.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// route delivers msg through the named exchange. Callers hold b.mu.
func (b *Broker) route(exchangeName, key string, msg substrate.Message) error {
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return substrate.NotFoundError("exchange", exchangeName, b.vhost)
	}

	if exchangeName == defaultExchange {
		q, ok := b.queues[key]
		if !ok {
			b.logger.Debug("dropping unroutable message", "exchange", exchangeName, "routingKey", key)
			return nil
		}
		b.enqueue(q, envelope{exchange: exchangeName, routingKey: key, msg: msg})
		return nil
	}

	seen := make(map[string]bool)
	for _, bnd := range ex.bindings {
		if seen[bnd.queue] || !ex.matches(bnd.key, key) {
			continue
		}
		seen[bnd.queue] = true
		if q, ok := b.queues[bnd.queue]; ok {
			b.enqueue(q, envelope{exchange: exchangeName, routingKey: key, msg: msg})
		}
	}
	if len(seen) == 0 {
		b.logger.Debug("dropping unroutable message", "exchange", exchangeName, "routingKey", key)
	}
	return nil
}

func (ex *exchange) matches(bindingKey, routingKey string) bool {
	switch ex.kind {
	case kindFanout:
		return true
	case kindTopic:
		return topicMatch(bindingKey, routingKey)
	default:
		return bindingKey == routingKey
	}
}

// declareQueue returns the named queue, creating it if needed. Callers hold b.mu.
func (b *Broker) declareQueue(name string, owner *Session) *queue {
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := &queue{name: name, owner: owner}
	b.queues[name] = q
	return q
}

// deleteQueue removes a queue and every binding pointing at it. Callers hold b.mu.
func (b *Broker) deleteQueue(q *queue) {
	delete(b.queues, q.name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bnd := range ex.bindings {
			if bnd.queue != q.name {
				kept = append(kept, bnd)
			}
		}
		ex.bindings = kept
	}
}

func (b *Broker) enqueue(q *queue, env envelope) {
	q.ready = append(q.ready, env)
	q.dispatch()
}
