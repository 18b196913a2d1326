package fetch

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/fyrsmithlabs/memvault/internal/fetch"

// Metrics provides OpenTelemetry metrics for the gateway.
type Metrics struct {
	requests    metric.Int64Counter
	servedBytes metric.Int64Counter

	initialized bool
}

// NewMetrics creates gateway metrics. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	var err error

	if m.requests, err = meter.Int64Counter(
		"fetch.requests.total",
		metric.WithDescription("Fetch requests by outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.servedBytes, err = meter.Int64Counter(
		"fetch.served.bytes",
		metric.WithDescription("Bytes of content hydrated through the gateway"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordFetch records one request.
func (m *Metrics) RecordFetch(ctx context.Context, res *Result, err error) {
	if m == nil || !m.initialized {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
	if res == nil {
		return
	}
	n := int64(len(res.Content))
	if res.Served.Mode == ModeBytes {
		n = res.Served.ByteLen
	}
	m.servedBytes.Add(ctx, n, metric.WithAttributes(attribute.String("mode", string(res.Served.Mode))))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "served"
	case errors.Is(err, ErrRangeTooLarge):
		return "range_too_large"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
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
