package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fyrsmithlabs/memvault/internal/memstore"
)

const promNamespace = "memvault"

// statsTimeout bounds one store scan during a scrape.
const statsTimeout = 5 * time.Second

// StatsSource reports store totals.
type StatsSource interface {
	Stats(ctx context.Context) (*memstore.Stats, error)
}

// promMetrics owns a private registry so servers and tests never collide on
// the default one.
type promMetrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newPromMetrics(store StatsSource) *promMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if store != nil {
		reg.MustRegister(newStoreCollector(store))
	}

	f := promauto.With(reg)
	return &promMetrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (p *promMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			route := normalizePath(c.Path())
			method := c.Request().Method
			p.requests.WithLabelValues(method, route, strconv.Itoa(statusOf(c, err))).Inc()
			p.duration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (p *promMetrics) handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// storeCollector exports store totals at scrape time.
type storeCollector struct {
	store       StatsSource
	objects     *prometheus.Desc
	rawBytes    *prometheus.Desc
	storedBytes *prometheus.Desc
	byType      *prometheus.Desc
	oldestAge   *prometheus.Desc
}

func newStoreCollector(store StatsSource) *storeCollector {
	name := func(n string) string { return prometheus.BuildFQName(promNamespace, "store", n) }
	return &storeCollector{
		store:       store,
		objects:     prometheus.NewDesc(name("objects"), "Objects in the content store.", nil, nil),
		rawBytes:    prometheus.NewDesc(name("raw_bytes"), "Uncompressed size of stored payloads.", nil, nil),
		storedBytes: prometheus.NewDesc(name("stored_bytes"), "On-disk size of stored payloads.", nil, nil),
		byType:      prometheus.NewDesc(name("objects_by_type"), "Objects per memory type.", []string{"type"}, nil),
		oldestAge:   prometheus.NewDesc(name("oldest_object_age_seconds"), "Age of the oldest stored object.", nil, nil),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.objects
	ch <- c.rawBytes
	ch <- c.storedBytes
	ch <- c.byType
	ch <- c.oldestAge
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	st, err := c.store.Stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.objects, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.objects, prometheus.GaugeValue, float64(st.Objects))
	ch <- prometheus.MustNewConstMetric(c.rawBytes, prometheus.GaugeValue, float64(st.RawBytes))
	ch <- prometheus.MustNewConstMetric(c.storedBytes, prometheus.GaugeValue, float64(st.StoredBytes))
	for t, n := range st.ByType {
		ch <- prometheus.MustNewConstMetric(c.byType, prometheus.GaugeValue, float64(n), t)
	}
	if !st.Oldest.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.oldestAge, prometheus.GaugeValue, time.Since(st.Oldest).Seconds())
	}
}
