package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	// ClueLogger wraps goa.design/clue/log, carrying a fixed set of
	// key/value pairs attached via With.
	ClueLogger struct {
		ctx context.Context
		kv  []any
	}

	// ClueMetrics wraps OTEL metrics.
	ClueMetrics struct {
		meter metric.Meter
	}

	// ClueTracer wraps OTEL tracing.
	ClueTracer struct {
		tracer trace.Tracer
	}

	clueSpan struct {
		span trace.Span
	}
)

// NewClueLogger constructs a Logger bound to ctx that delegates to
// goa.design/clue/log. The context carries clue's formatting/debug
// configuration (set via log.Context upstream).
func NewClueLogger(ctx context.Context) Logger {
	return ClueLogger{ctx: ctx}
}

// NewClueMetrics constructs a Metrics recorder backed by the global OTEL
// MeterProvider.
func NewClueMetrics() Metrics {
	return &ClueMetrics{meter: otel.Meter("github.com/develogon/contentpipe")}
}

// NewClueTracer constructs a Tracer backed by the global OTEL
// TracerProvider.
func NewClueTracer() Tracer {
	return &ClueTracer{tracer: otel.Tracer("github.com/develogon/contentpipe")}
}

func (l ClueLogger) Debug(msg string, kv ...any) { log.Debug(l.ctx, fielders(msg, l.kv, kv)...) }
func (l ClueLogger) Info(msg string, kv ...any)  { log.Info(l.ctx, fielders(msg, l.kv, kv)...) }
func (l ClueLogger) Warn(msg string, kv ...any) {
	fs := append(fielders(msg, l.kv, kv), log.KV{K: "severity", V: "warning"})
	log.Warn(l.ctx, fs...)
}
func (l ClueLogger) Error(msg string, kv ...any) { log.Error(l.ctx, nil, fielders(msg, l.kv, kv)...) }

func (l ClueLogger) With(kv ...any) Logger {
	combined := append(append([]any{}, l.kv...), kv...)
	return ClueLogger{ctx: l.ctx, kv: combined}
}

func (m *ClueMetrics) IncCounter(name string, kv ...any) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(kvToAttrs(kv)...))
}

func (m *ClueMetrics) ObserveLatency(name string, seconds float64, kv ...any) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), seconds, metric.WithAttributes(kvToAttrs(kv)...))
}

func (m *ClueMetrics) SetGauge(name string, value float64, kv ...any) {
	histogram, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(kvToAttrs(kv)...))
}

func (t *ClueTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name)
	return newCtx, &clueSpan{span: span}
}

func (s *clueSpan) SetAttribute(key string, value any) {
	s.span.SetAttributes(kvToAttrs([]any{key, value})...)
}

func (s *clueSpan) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *clueSpan) End() { s.span.End() }

// fielders flattens a message plus two key/value slices into clue
// Fielders. Non-string keys are skipped.
func fielders(msg string, base, extra []any) []log.Fielder {
	fs := []log.Fielder{log.KV{K: "msg", V: msg}}
	for _, kv := range [][]any{base, extra} {
		for i := 0; i < len(kv); i += 2 {
			k, ok := kv[i].(string)
			if !ok {
				continue
			}
			var v any
			if i+1 < len(kv) {
				v = kv[i+1]
			}
			fs = append(fs, log.KV{K: k, V: v})
		}
	}
	return fs
}

func kvToAttrs(kv []any) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(kv) {
			v = kv[i+1]
		}
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, ""))
		}
	}
	return attrs
}
