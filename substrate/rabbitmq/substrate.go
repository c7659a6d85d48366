// Package rabbitmq implements the gateway substrate on a RabbitMQ broker.
// Every gateway connection gets its own AMQP channel in confirm mode, so
// publish sequence numbers and confirmations are scoped to that connection.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	rabbit "github.com/glimte/mmate-stomp/internal/rabbitmq"
	"github.com/glimte/mmate-stomp/substrate"
)

// Config configures the RabbitMQ substrate
type Config struct {
	URL             string
	VHost           string
	ConnectionName  string
	ReconnectDelay  time.Duration
	MaxRetries      int
	Prefetch        int
	ConfirmBatch    int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Exchanges       []rabbit.ExchangeDeclaration
}

// Substrate opens confirm-mode channels on a shared broker connection
type Substrate struct {
	cfg     Config
	manager *rabbit.ConnectionManager
	state   *connectionState
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates a substrate. Call Connect before opening sessions.
func New(cfg Config, logger *slog.Logger) *Substrate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	logger = logger.With("component", "rabbitmq-substrate")

	opts := []rabbit.ConnectionOption{
		rabbit.WithLogger(logger),
		rabbit.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.ReconnectDelay > 0 {
		opts = append(opts, rabbit.WithReconnectDelay(cfg.ReconnectDelay))
	}
	if cfg.VHost != "" {
		opts = append(opts, rabbit.WithVHost(cfg.VHost))
	}
	if cfg.ConnectionName != "" {
		opts = append(opts, rabbit.WithConnectionName(cfg.ConnectionName))
	}

	s := &Substrate{
		cfg:     cfg,
		manager: rabbit.NewConnectionManager(cfg.URL, opts...),
		state:   newConnectionState(logger),
		logger:  logger,
	}
	s.manager.AddStateListener(s.state)
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rabbitmq-open",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	return s
}

// Connect dials the broker and declares the configured exchanges
func (s *Substrate) Connect(ctx context.Context) error {
	if err := s.manager.Connect(ctx); err != nil {
		return err
	}
	if len(s.cfg.Exchanges) == 0 {
		return nil
	}

	ch, err := s.manager.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	topo := rabbit.NewTopology(ch)
	for _, ex := range s.cfg.Exchanges {
		if err := topo.DeclareExchange(ex); err != nil {
			return err
		}
		s.logger.Info("exchange declared", "exchange", ex.Name, "type", ex.Type)
	}
	return nil
}

// Open creates a session on a fresh confirm-mode channel. Repeated failures
// trip a circuit breaker so a dead broker fails CONNECT fast.
func (s *Substrate) Open(ctx context.Context) (substrate.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := s.breaker.Execute(func() (interface{}, error) {
		ch, err := s.manager.Channel()
		if err != nil {
			return nil, err
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, &rabbit.ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
		}
		if s.cfg.Prefetch > 0 {
			if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
				ch.Close()
				return nil, &rabbit.ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
			}
		}
		return ch, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("rabbitmq substrate unavailable: %w", err)
		}
		return nil, translateError(err)
	}

	return newSession(res.(amqpChannel), s.cfg.ConfirmBatch, s.logger), nil
}

// Ping checks the broker by passively declaring amq.direct on a short-lived
// channel. It fails without touching the broker while the connection is
// down.
func (s *Substrate) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.manager.IsConnected() {
		if err := s.state.err(); err != nil {
			return fmt.Errorf("rabbitmq connection lost: %w", err)
		}
		return rabbit.ErrConnectionNotReady
	}
	if s.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("rabbitmq substrate unavailable: %w", gobreaker.ErrOpenState)
	}
	ch, err := s.manager.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclarePassive("amq.direct", "direct", true, false, false, false, nil); err != nil {
		return translateError(err)
	}
	return nil
}

// Reconnects is the number of reconnection attempts made so far
func (s *Substrate) Reconnects() int64 {
	return s.state.reconnects.Load()
}

// Close closes the broker connection
func (s *Substrate) Close() error {
	s.manager.RemoveStateListener(s.state)
	return s.manager.Close()
}
