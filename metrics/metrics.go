// Package metrics exposes Prometheus collectors for the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the service's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensemble",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ensemble",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	workflowOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensemble",
			Subsystem: "workflow",
			Name:      "operations_total",
			Help:      "Workflow operations by outcome code.",
		},
		[]string{"operation", "code"},
	)

	workflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ensemble",
			Subsystem: "workflow",
			Name:      "operation_duration_seconds",
			Help:      "Duration of workflow operations including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	txAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ensemble",
			Subsystem: "store",
			Name:      "transaction_attempts",
			Help:      "Attempts needed per transaction.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
		},
		[]string{"transaction", "outcome"},
	)

	txConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensemble",
			Subsystem: "store",
			Name:      "transaction_conflicts_total",
			Help:      "Commit conflicts that triggered a retry.",
		},
		[]string{"transaction"},
	)

	dispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensemble",
			Subsystem: "events",
			Name:      "changes_total",
			Help:      "Change log entries handled by the dispatcher.",
		},
		[]string{"collection", "outcome"},
	)

	emails = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensemble",
			Subsystem: "email",
			Name:      "sends_total",
			Help:      "Notification emails by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		workflowOps,
		workflowDuration,
		txAttempts,
		txConflicts,
		dispatched,
		emails,
	)
}

// Handler returns the /metrics handler for Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency keyed by chi route pattern.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordOperation records a workflow operation outcome.
func RecordOperation(operation, code string, d time.Duration) {
	workflowOps.WithLabelValues(operation, code).Inc()
	workflowDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordTransaction records how many attempts a transaction took.
func RecordTransaction(name, outcome string, attempts int) {
	txAttempts.WithLabelValues(name, outcome).Observe(float64(attempts))
}

// RecordConflict counts a retried commit conflict.
func RecordConflict(name string) {
	txConflicts.WithLabelValues(name).Inc()
}

// RecordDispatch records a change log delivery.
func RecordDispatch(collection, outcome string) {
	dispatched.WithLabelValues(collection, outcome).Inc()
}

// RecordEmail records a notification email send.
func RecordEmail(outcome string) {
	emails.WithLabelValues(outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
