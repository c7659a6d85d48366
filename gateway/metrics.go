package gateway

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/glimte/mmate-stomp/gateway"

// Metrics holds the gateway's OpenTelemetry instruments. A nil *Metrics
// records nothing.
type Metrics struct {
	connectionsTotal   metric.Int64Counter
	connectionsCurrent metric.Int64UpDownCounter
	framesReceived     metric.Int64Counter
	publishes          metric.Int64Counter
	confirmations      metric.Int64Counter
	receipts           metric.Int64Counter
	errors             metric.Int64Counter
	deliveries         metric.Int64Counter
}

// NewMetrics creates the gateway instruments on mp
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}

	var err error
	if m.connectionsTotal, err = meter.Int64Counter(
		"stomp.connections.total",
		metric.WithDescription("Total number of STOMP connections accepted"),
	); err != nil {
		return nil, fmt.Errorf("failed to create connectionsTotal counter: %w", err)
	}

	if m.connectionsCurrent, err = meter.Int64UpDownCounter(
		"stomp.connections.current",
		metric.WithDescription("Current number of open STOMP connections"),
	); err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	if m.framesReceived, err = meter.Int64Counter(
		"stomp.frames.received.total",
		metric.WithDescription("Client frames received by command"),
	); err != nil {
		return nil, fmt.Errorf("failed to create framesReceived counter: %w", err)
	}

	if m.publishes, err = meter.Int64Counter(
		"stomp.publishes.total",
		metric.WithDescription("Messages submitted to the substrate"),
	); err != nil {
		return nil, fmt.Errorf("failed to create publishes counter: %w", err)
	}

	if m.confirmations, err = meter.Int64Counter(
		"stomp.confirmations.total",
		metric.WithDescription("Substrate confirmation events by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create confirmations counter: %w", err)
	}

	if m.receipts, err = meter.Int64Counter(
		"stomp.receipts.total",
		metric.WithDescription("RECEIPT frames sent to clients"),
	); err != nil {
		return nil, fmt.Errorf("failed to create receipts counter: %w", err)
	}

	if m.errors, err = meter.Int64Counter(
		"stomp.errors.total",
		metric.WithDescription("ERROR frames sent to clients by kind"),
	); err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}

	if m.deliveries, err = meter.Int64Counter(
		"stomp.deliveries.total",
		metric.WithDescription("MESSAGE frames sent to subscribers"),
	); err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) connectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

func (m *Metrics) connectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsCurrent.Add(ctx, -1)
}

func (m *Metrics) frame(ctx context.Context, command string) {
	if m == nil {
		return
	}
	m.framesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command)))
}

func (m *Metrics) publish(ctx context.Context) {
	if m == nil {
		return
	}
	m.publishes.Add(ctx, 1)
}

func (m *Metrics) confirmation(ctx context.Context, ack bool) {
	if m == nil {
		return
	}
	m.confirmations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ack", ack)))
}

func (m *Metrics) receipt(ctx context.Context) {
	if m == nil {
		return
	}
	m.receipts.Add(ctx, 1)
}

func (m *Metrics) errorReported(ctx context.Context, r Report) {
	if m == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(r.Kind)),
		attribute.Bool("fatal", r.Fatal),
	))
}

func (m *Metrics) delivery(ctx context.Context) {
	if m == nil {
		return
	}
	m.deliveries.Add(ctx, 1)
}
