package compression

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/fyrsmithlabs/memvault/internal/compression"

// Metrics provides OpenTelemetry metrics for compression.
type Metrics struct {
	passes      metric.Int64Counter
	messages    metric.Int64Counter
	attempts    metric.Int64Counter
	tokensSaved metric.Int64Counter

	initialized bool
}

// NewMetrics creates compression metrics. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	var err error

	if m.passes, err = meter.Int64Counter(
		"compression.passes.total",
		metric.WithDescription("Compression passes by result"),
		metric.WithUnit("{pass}"),
	); err != nil {
		return nil, err
	}
	if m.messages, err = meter.Int64Counter(
		"compression.messages.total",
		metric.WithDescription("Messages shortened by method"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}
	if m.attempts, err = meter.Int64Counter(
		"compression.summarizer.attempts.total",
		metric.WithDescription("Summarizer calls by result"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.tokensSaved, err = meter.Int64Counter(
		"compression.tokens_saved.total",
		metric.WithDescription("Tokens removed by compression"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordPass records a finished compression pass.
func (m *Metrics) RecordPass(ctx context.Context, r *Report) {
	if m == nil || !m.initialized {
		return
	}
	result := "within_budget"
	if !r.WithinBudget {
		result = "over_budget"
	}
	m.passes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordMessage records one shortened message.
func (m *Metrics) RecordMessage(ctx context.Context, method Method, saved int) {
	if m == nil || !m.initialized {
		return
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(method))))
	if saved > 0 {
		m.tokensSaved.Add(ctx, int64(saved))
	}
}

// RecordAttempt records one summarizer call.
func (m *Metrics) RecordAttempt(ctx context.Context, ok bool) {
	if m == nil || !m.initialized {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
