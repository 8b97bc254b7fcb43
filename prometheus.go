package tilecache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tilecache"

// PrometheusCollector exports MetricsCollector events as Prometheus metrics.
type PrometheusCollector struct {
	buildsTotal   *prometheus.CounterVec
	buildDuration prometheus.Histogram
	admissions    *prometheus.CounterVec
	evictedTiles  *prometheus.CounterVec
	evictedBytes  prometheus.Counter
	batchesTotal  prometheus.Counter
	batchRecords  prometheus.Counter
	transitions   *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collector's metrics with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		buildsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "builds_total",
				Help:      "Total number of thumbnail decodes",
			},
			[]string{"status"},
		),
		buildDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "build_duration_seconds",
				Help:      "Thumbnail decode duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		admissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "admissions_total",
				Help:      "Budget admission decisions",
			},
			[]string{"result"},
		),
		evictedTiles: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "evicted_tiles_total",
				Help:      "Tiles evicted from memory",
			},
			[]string{"level"},
		),
		evictedBytes: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "evicted_bytes_total",
				Help:      "Bytes released by eviction",
			},
		),
		batchesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "batches_total",
				Help:      "Batches delivered to sessions",
			},
		),
		batchRecords: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "batch_records_total",
				Help:      "Tile records delivered to sessions",
			},
		),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transitions_total",
				Help:      "Tile lifecycle transitions by target state",
			},
			[]string{"state"},
		),
	}
}

// RecordBuild implements MetricsCollector.
func (p *PrometheusCollector) RecordBuild(duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.buildsTotal.WithLabelValues(status).Inc()
	p.buildDuration.Observe(duration.Seconds())
}

// RecordAdmission implements MetricsCollector.
func (p *PrometheusCollector) RecordAdmission(admitted bool) {
	result := "admitted"
	if !admitted {
		result = "rejected"
	}
	p.admissions.WithLabelValues(result).Inc()
}

// RecordEviction implements MetricsCollector.
func (p *PrometheusCollector) RecordEviction(level string, count int, bytes int64) {
	p.evictedTiles.WithLabelValues(level).Add(float64(count))
	p.evictedBytes.Add(float64(bytes))
}

// RecordBatch implements MetricsCollector.
func (p *PrometheusCollector) RecordBatch(records int) {
	p.batchesTotal.Inc()
	p.batchRecords.Add(float64(records))
}

// RecordTransition implements MetricsCollector.
func (p *PrometheusCollector) RecordTransition(_, to State) {
	p.transitions.WithLabelValues(to.String()).Inc()
}
