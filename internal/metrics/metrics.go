// Package metrics provides Prometheus instrumentation for the funds engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EscrowTransitions counts escrow status transitions by target status.
	EscrowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funds_escrow_transitions_total",
		Help: "Escrow status transitions",
	}, []string{"to"})

	// LedgerEntries counts ledger appends by transaction type and direction.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funds_ledger_entries_total",
		Help: "Wallet ledger entries appended",
	}, []string{"type", "direction"})

	// FailedDebits counts debits blocked by balance or limits.
	FailedDebits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funds_failed_debits_total",
		Help: "Debits rejected by balance or limit checks",
	}, []string{"reason"})

	// JobRuns counts scheduled job executions by job name and outcome.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funds_job_runs_total",
		Help: "Scheduled job executions",
	}, []string{"job", "outcome"})

	// JobSkips counts invocations skipped because the previous run was
	// still executing.
	JobSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funds_job_skips_total",
		Help: "Scheduled job invocations skipped (previous run active)",
	}, []string{"job"})

	// JobDuration tracks job run duration by job name.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "funds_job_duration_seconds",
		Help:    "Scheduled job run duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	// PenaltiesAccrued counts penalty accrual applications.
	PenaltiesAccrued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "funds_penalties_accrued_total",
		Help: "Penalty charges applied to overdue installments",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funds_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "funds_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small and
		// fixed, so cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
