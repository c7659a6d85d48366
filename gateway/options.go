package gateway

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type options struct {
	logger         *slog.Logger
	errorGrace     time.Duration
	submitTimeout  time.Duration
	frameRate      float64
	frameBurst     int
	inboundQueue   int
	outboundQueue  int
	nackPolicy     NackPolicy
	maxConnections int
	serverName     string
	meterProvider  metric.MeterProvider
	observer       func(sessionID string) EventSink
}

func defaultOptions() options {
	return options{
		logger:        slog.Default(),
		errorGrace:    time.Second,
		submitTimeout: 10 * time.Second,
		inboundQueue:  128,
		outboundQueue: 256,
		nackPolicy:    NackReportError,
		serverName:    "mmate-stomp/1.0",
	}
}

// Option configures a Server
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithErrorGrace sets how long a connection stays open after a fatal ERROR
// frame so the client can read it.
func WithErrorGrace(d time.Duration) Option {
	return func(o *options) {
		o.errorGrace = d
	}
}

// WithSubmitTimeout bounds every substrate call made on behalf of a frame,
// and how long DISCONNECT waits for outstanding receipts.
func WithSubmitTimeout(d time.Duration) Option {
	return func(o *options) {
		o.submitTimeout = d
	}
}

// WithFrameRate limits each connection to r frames per second with the given
// burst. A zero rate disables limiting.
func WithFrameRate(r float64, burst int) Option {
	return func(o *options) {
		o.frameRate = r
		o.frameBurst = burst
	}
}

// WithInboundQueue sets how many decoded frames may wait for the connection worker
func WithInboundQueue(n int) Option {
	return func(o *options) {
		o.inboundQueue = n
	}
}

// WithNackPolicy sets how negative confirmations are surfaced
func WithNackPolicy(p NackPolicy) Option {
	return func(o *options) {
		o.nackPolicy = p
	}
}

// WithMaxConnections caps concurrent connections. Zero means unlimited.
func WithMaxConnections(n int) Option {
	return func(o *options) {
		o.maxConnections = n
	}
}

// WithServerName sets the server header of CONNECTED frames
func WithServerName(name string) Option {
	return func(o *options) {
		o.serverName = name
	}
}

// WithMeterProvider sets the provider for gateway metrics. The global
// provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithObserver attaches an extra sink to every connection. It sees the
// same receipts and errors that are written to the client.
func WithObserver(fn func(sessionID string) EventSink) Option {
	return func(o *options) {
		o.observer = fn
	}
}

func (o *options) meters() metric.MeterProvider {
	if o.meterProvider != nil {
		return o.meterProvider
	}
	return otel.GetMeterProvider()
}
