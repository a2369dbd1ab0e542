package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total outbound provider requests by service and operation",
		},
		[]string{"service", "operation"},
	)
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Outbound provider request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"service", "operation"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_enqueued_total",
			Help: "Total number of pipeline jobs enqueued",
		},
		[]string{"type"},
	)
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_jobs_running",
			Help: "Number of pipeline jobs currently executing",
		},
	)
	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_finished_total",
			Help: "Total number of pipeline jobs by terminal status",
		},
		[]string{"status"},
	)

	BatchesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_batches_processed_total",
			Help: "Total enrichment batches processed by outcome",
		},
		[]string{"outcome"},
	)
	FitScoreHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_fit_score",
			Help:    "Distribution of normalized fit scores (0-100)",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsFinishedTotal)
	prometheus.MustRegister(BatchesProcessedTotal)
	prometheus.MustRegister(FitScoreHistogram)
}

// EnqueueJob increments the enqueue counter for a job type.
func EnqueueJob(typ string) { JobsEnqueuedTotal.WithLabelValues(typ).Inc() }

// ObserveProvider records one outbound provider call.
func ObserveProvider(service, operation string, dur time.Duration) {
	ProviderRequestsTotal.WithLabelValues(service, operation).Inc()
	ProviderRequestDuration.WithLabelValues(service, operation).Observe(dur.Seconds())
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
