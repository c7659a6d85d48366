package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Pinger is implemented by substrates that can probe their backend
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReconnectCounter is implemented by substrates that re-establish their
// backend connection on their own
type ReconnectCounter interface {
	Reconnects() int64
}

// SubstrateChecker reports whether the message substrate is reachable
type SubstrateChecker struct {
	name   string
	pinger Pinger
}

// NewSubstrateChecker creates a checker named after the substrate type
func NewSubstrateChecker(name string, pinger Pinger) *SubstrateChecker {
	return &SubstrateChecker{name: name, pinger: pinger}
}

func (c *SubstrateChecker) Name() string {
	return "substrate_" + c.name
}

func (c *SubstrateChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "substrate is unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "substrate is reachable"
	}
	result.Duration = time.Since(start)
	result.Details = map[string]any{"response_time_ms": result.Duration.Milliseconds()}
	if rc, ok := c.pinger.(ReconnectCounter); ok {
		result.Details["reconnects"] = rc.Reconnects()
	}
	return result
}

// ConnectionCounter is implemented by the gateway server
type ConnectionCounter interface {
	ActiveConnections() int
	MaxConnections() int
}

// ConnectionChecker degrades once the gateway nears its connection limit
type ConnectionChecker struct {
	counter ConnectionCounter
	// degradedAt is the fraction of the limit at which the check degrades
	degradedAt float64
}

// NewConnectionChecker creates a connection checker degrading at the given
// fraction of the connection limit.
func NewConnectionChecker(counter ConnectionCounter, degradedAt float64) *ConnectionChecker {
	return &ConnectionChecker{counter: counter, degradedAt: degradedAt}
}

func (c *ConnectionChecker) Name() string {
	return "connections"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	active, limit := c.counter.ActiveConnections(), c.counter.MaxConnections()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Details:   map[string]any{"active": active, "limit": limit},
	}

	switch {
	case limit <= 0:
		result.Message = fmt.Sprintf("%d connections", active)
	case active >= limit:
		result.Status = StatusDegraded
		result.Message = "connection limit reached"
	case float64(active) >= c.degradedAt*float64(limit):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d connections in use", active, limit)
	default:
		result.Message = fmt.Sprintf("%d of %d connections in use", active, limit)
	}
	return result
}

// RuntimeChecker watches the goroutine count
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details: map[string]any{
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
			"goroutines":     goroutines,
		},
	}

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}
	return result
}
