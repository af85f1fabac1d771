package orchestrator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's exported counters and gauges. A fresh
// registry is created per instance (the pack's codefang precedent for
// avoiding collector registration conflicts across repeated process
// lifetimes, e.g. in tests).
type Metrics struct {
	registry *prometheus.Registry

	BuildsAttempted *prometheus.CounterVec
	BuildsOK        *prometheus.CounterVec
	BuildsFailed    *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	DiskFreeBytes   prometheus.Gauge
	StoreSaveSeconds prometheus.Histogram
	TickErrors      prometheus.Counter
}

// NewMetrics builds and registers the orchestrator's metric set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		BuildsAttempted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildwatch_builds_attempted_total",
			Help: "Build attempts started, by architecture.",
		}, []string{"arch"}),
		BuildsOK: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildwatch_builds_ok_total",
			Help: "Build attempts that finished OK, by architecture.",
		}, []string{"arch"}),
		BuildsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildwatch_builds_failed_total",
			Help: "Build attempts that finished broken, by architecture.",
		}, []string{"arch"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "buildwatch_queue_depth",
			Help: "Number of proposals waiting in the scheduler queue (bucket=\"total\").",
		}, []string{"bucket"}),
		DiskFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildwatch_disk_free_bytes",
			Help: "Free bytes on the www_root filesystem, last sampled.",
		}),
		StoreSaveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "buildwatch_store_save_seconds",
			Help:    "Latency of the persistent store's atomic save.",
			Buckets: prometheus.DefBuckets,
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildwatch_tick_errors_total",
			Help: "Orchestrator iterations that logged a non-fatal error.",
		}),
	}
	reg.MustRegister(m.BuildsAttempted, m.BuildsOK, m.BuildsFailed, m.QueueDepth, m.DiskFreeBytes, m.StoreSaveSeconds, m.TickErrors)
	return m
}

// Handler serves the /metrics scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
