package tilecache

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/tilecache/internal/thumb"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	decoder          thumb.Decoder
	tracerProvider   trace.TracerProvider
	eventBuffer      int
}

// Option configures a Gallery.
type Option func(*options)

// WithLogger sets the logger. If nil is passed, logging is disabled.
// Without this option a logger is built from the logging section of the
// Config.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector sets the metrics sink.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithDecoder replaces the default imaging decoder. The disk tier, when
// configured, still wraps it.
func WithDecoder(d Decoder) Option {
	return func(o *options) {
		o.decoder = d
	}
}

// WithTracerProvider sets the provider of build spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithEventBuffer sets the per-subscriber buffer of Session.Events.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		o.eventBuffer = n
	}
}
