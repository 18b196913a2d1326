package offload

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/fyrsmithlabs/memvault/internal/offload"

// Metrics records gate decisions.
type Metrics struct {
	messages    metric.Int64Counter
	bytes       metric.Int64Counter
	tokensSaved metric.Int64Counter

	initialized bool
}

// NewMetrics creates gate metrics. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	var err error

	if m.messages, err = meter.Int64Counter("offload.messages.total",
		metric.WithDescription("Messages seen by the gate, by outcome"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.bytes, err = meter.Int64Counter("offload.bytes.total",
		metric.WithDescription("Payload bytes moved to the store"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.tokensSaved, err = meter.Int64Counter("offload.tokens_saved.total",
		metric.WithDescription("Estimated tokens removed from context"),
		metric.WithUnit("{token}")); err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordOutcome counts one gate decision.
func (m *Metrics) RecordOutcome(ctx context.Context, outcome Outcome) {
	if m == nil || !m.initialized {
		return
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

// RecordSaved records bytes offloaded and tokens saved.
func (m *Metrics) RecordSaved(ctx context.Context, bytes int64, tokens int) {
	if m == nil || !m.initialized {
		return
	}
	m.bytes.Add(ctx, bytes)
	m.tokensSaved.Add(ctx, int64(tokens))
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
