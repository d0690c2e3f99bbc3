// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the registry and the collectors the pipeline updates.
type Metrics struct {
	registry *prometheus.Registry

	TasksTotal        *prometheus.CounterVec
	TaskSeconds       prometheus.Histogram
	QueueDepth        *prometheus.GaugeVec
	CallbacksTotal    *prometheus.CounterVec
	ForgottenFiles    prometheus.Counter
	ShutdownRemaining prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "papermill_tasks_total",
			Help: "Conversion tasks finished, by outcome.",
		}, []string{"outcome"}),
		TaskSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "papermill_task_seconds",
			Help:    "Wall-clock duration of conversion tasks.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "papermill_queue_depth",
			Help: "Messages waiting per queue.",
		}, []string{"queue"}),
		CallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "papermill_callbacks_total",
			Help: "Callback deliveries, by outcome.",
		}, []string{"outcome"}),
		ForgottenFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papermill_forgotten_files_total",
			Help: "Save results parked as forgotten files.",
		}),
		ShutdownRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "papermill_shutdown_documents_remaining",
			Help: "Documents still registered during a shutdown drain.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TasksTotal,
		m.TaskSeconds,
		m.QueueDepth,
		m.CallbacksTotal,
		m.ForgottenFiles,
		m.ShutdownRemaining,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
