package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry               *prometheus.Registry
	watchesTotal           *prometheus.CounterVec
	watchDuration          *prometheus.HistogramVec
	activeWatches          prometheus.Gauge
	statusTransitionsTotal *prometheus.CounterVec
	webhookDeliveriesTotal *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		watchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenecast_worker_watches_total",
			Help: "Total render watches by outcome (succeeded, failed, abandoned).",
		}, []string{"outcome"}),
		watchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scenecast_worker_watch_duration_seconds",
			Help:    "Wall time from watch start to terminal status or abandonment.",
			Buckets: []float64{15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"outcome"}),
		activeWatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scenecast_worker_active_watches",
			Help: "Current number of renders being watched by the worker.",
		}),
		statusTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenecast_worker_status_transitions_total",
			Help: "Observed job status changes by new state.",
		}, []string{"state"}),
		webhookDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenecast_worker_webhook_deliveries_total",
			Help: "Terminal status webhooks by event and delivery result.",
		}, []string{"event", "result"}),
	}

	registry.MustRegister(
		m.watchesTotal,
		m.watchDuration,
		m.activeWatches,
		m.statusTransitionsTotal,
		m.webhookDeliveriesTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
