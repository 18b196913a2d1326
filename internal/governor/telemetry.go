package governor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/memvault/internal/governor"

// Metrics provides OpenTelemetry metrics for the governor.
type Metrics struct {
	evaluations metric.Int64Counter
	usage       metric.Float64Histogram

	initialized bool
}

// NewMetrics creates governor metrics. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	var err error

	if m.evaluations, err = meter.Int64Counter(
		"governor.evaluations.total",
		metric.WithDescription("Budget evaluations by level"),
		metric.WithUnit("{evaluation}"),
	); err != nil {
		return nil, err
	}
	if m.usage, err = meter.Float64Histogram(
		"governor.window.used",
		metric.WithDescription("Fraction of the context window in use"),
		metric.WithExplicitBucketBoundaries(0.25, 0.5, 0.7, 0.85, 0.95, 1),
	); err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// Record records one evaluation.
func (m *Metrics) Record(st State) {
	if m == nil || !m.initialized {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("level", string(st.Level)))
	m.evaluations.Add(ctx, 1, attrs)
	m.usage.Record(ctx, st.Used, metric.WithAttributes(attribute.String("model", st.Model)))
}
