package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-stomp/substrate"
)

// Server accepts STOMP connections and bridges each of them to its own
// substrate session.
type Server struct {
	substrate substrate.Substrate
	opts      options
	logger    *slog.Logger
	metrics   *Metrics

	slots  chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup
}

// NewServer creates a server publishing through sub
func NewServer(sub substrate.Substrate, opts ...Option) (*Server, error) {
	if sub == nil {
		return nil, errors.New("gateway: substrate is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	metrics, err := NewMetrics(o.meters())
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	s := &Server{
		substrate: sub,
		opts:      o,
		logger:    o.logger.With("component", "stomp-gateway"),
		metrics:   metrics,
	}
	if o.maxConnections > 0 {
		s.slots = make(chan struct{}, o.maxConnections)
	}
	return s, nil
}

// ListenAndServe listens on the TCP address addr and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}
	s.logger.Info("stomp listener started", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It closes ln and
// waits for open connections to finish before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				s.logger.Info("stomp listener stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept failed", "error", err)
				continue
			}
			s.wg.Wait()
			return fmt.Errorf("gateway: accept: %w", err)
		}

		if !s.acquire() {
			s.logger.Warn("connection limit reached", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			s.serve(ctx, newStreamTransport(conn))
		}()
	}
}

// ServeConn serves a single established connection and blocks until it is
// closed.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	s.serve(ctx, newStreamTransport(conn))
}

func (s *Server) serve(ctx context.Context, tr transport) {
	s.active.Add(1)
	defer s.active.Add(-1)
	newSession(ctx, s, tr).serve()
}

// ActiveConnections returns the number of connections being served
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// MaxConnections returns the connection limit, zero when unlimited
func (s *Server) MaxConnections() int {
	return s.opts.maxConnections
}

func (s *Server) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}
