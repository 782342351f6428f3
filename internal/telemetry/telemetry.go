// Package telemetry defines the logging, metrics, and tracing facade used
// throughout the pipeline, adapted from the agent runtime's telemetry
// contract so every component observes the same three interfaces
// regardless of backend.
package telemetry

import "context"

// Logger emits structured log lines. Implementations decide formatting
// and sink; callers only supply a message and key/value pairs.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	With(kv ...any) Logger
}

// Metrics records counters, gauges, and latency observations.
type Metrics interface {
	IncCounter(name string, kv ...any)
	ObserveLatency(name string, seconds float64, kv ...any)
	SetGauge(name string, value float64, kv ...any)
}

// Tracer creates spans scoped to a unit of work.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Span is a single unit of traced work.
type Span interface {
	SetAttribute(key string, value any)
	RecordError(err error)
	End()
}
