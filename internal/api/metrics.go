package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry           *prometheus.Registry
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	rateLimitRejected  *prometheus.CounterVec
	rendersSubmitted   *prometheus.CounterVec
	assetsMaterialized prometheus.Counter
	watchesEnqueued    *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenecast_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scenecast_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenecast_api_rate_limit_rejections_total",
			Help: "Total API requests rejected by the admission limiter.",
		}, []string{"route"}),
		rendersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenecast_renders_submitted_total",
			Help: "Render submissions by result (accepted or error category).",
		}, []string{"result"}),
		assetsMaterialized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scenecast_assets_materialized_total",
			Help: "Inline payloads uploaded to object storage and replaced with signed URLs.",
		}),
		watchesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenecast_queue_watches_enqueued_total",
			Help: "Total background render watches enqueued.",
		}, []string{"queue"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.rendersSubmitted,
		m.assetsMaterialized,
		m.watchesEnqueued,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses job ids so label cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/renders/") && strings.HasSuffix(path, "/progress"):
		return "/v1/renders/{id}/progress"
	case strings.HasPrefix(path, "/v1/renders/"):
		return "/v1/renders/{id}"
	case path == "/v1/renders":
		return "/v1/renders"
	case path == "/healthz":
		return "/healthz"
	case path == "/metrics":
		return "/metrics"
	default:
		return "unmatched"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
