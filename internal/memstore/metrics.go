package memstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/memvault/internal/memstore"

// Metrics provides OpenTelemetry metrics for the content store.
type Metrics struct {
	putsTotal    metric.Int64Counter
	rawBytes     metric.Int64Counter
	storedBytes  metric.Int64Counter
	readDuration metric.Float64Histogram
	errorsTotal  metric.Int64Counter

	initialized bool
}

// NewMetrics creates store metrics. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.putsTotal, err = meter.Int64Counter(
		"memstore.puts.total",
		metric.WithDescription("Puts by outcome (stored or dedup)"),
		metric.WithUnit("{put}"),
	)
	if err != nil {
		return nil, err
	}

	m.rawBytes, err = meter.Int64Counter(
		"memstore.bytes.raw",
		metric.WithDescription("Uncompressed bytes written"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.storedBytes, err = meter.Int64Counter(
		"memstore.bytes.stored",
		metric.WithDescription("Bytes written to disk after compression"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.readDuration, err = meter.Float64Histogram(
		"memstore.read.duration",
		metric.WithDescription("Time to load and decompress a blob"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}

	m.errorsTotal, err = meter.Int64Counter(
		"memstore.errors.total",
		metric.WithDescription("Storage errors by operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordPut records a put. Sizes are only counted for new objects.
func (m *Metrics) RecordPut(ctx context.Context, obj *Object, dedup bool) {
	if m == nil || !m.initialized {
		return
	}
	outcome := "stored"
	if dedup {
		outcome = "dedup"
	}
	m.putsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("type", string(obj.Type)),
	))
	if !dedup {
		attrs := metric.WithAttributes(attribute.String("compression", obj.Compression.String()))
		m.rawBytes.Add(ctx, obj.RawSize, attrs)
		m.storedBytes.Add(ctx, obj.StoredSize, attrs)
	}
}

// RecordRead records blob load latency.
func (m *Metrics) RecordRead(ctx context.Context, op string, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	m.readDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

// RecordError records a storage error.
func (m *Metrics) RecordError(ctx context.Context, op string) {
	if m == nil || !m.initialized {
		return
	}
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
