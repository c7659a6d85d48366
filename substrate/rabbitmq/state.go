package rabbitmq

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// connectionState follows the shared broker connection so health checks can
// report why the substrate is down.
type connectionState struct {
	logger     *slog.Logger
	reconnects atomic.Int64

	mu      sync.Mutex
	lastErr error
}

func newConnectionState(logger *slog.Logger) *connectionState {
	return &connectionState{logger: logger}
}

func (c *connectionState) OnConnected() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
	c.logger.Info("broker connection established")
}

func (c *connectionState) OnDisconnected(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Warn("broker connection lost", "error", err)
}

func (c *connectionState) OnReconnecting(attempt int) {
	c.reconnects.Add(1)
	c.logger.Info("reconnecting to broker", "attempt", attempt)
}

// err is the reason the connection was last lost, nil once it is back
func (c *connectionState) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
