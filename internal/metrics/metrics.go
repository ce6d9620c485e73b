// Package metrics provides Prometheus instrumentation for the token engine.
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
	// PhaseRuns counts workflow phase executions by phase and outcome.
	PhaseRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokensim_phase_runs_total",
		Help: "Workflow phase executions",
	}, []string{"phase", "status"})

	// PhaseDuration tracks phase execution latency.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokensim_phase_duration_seconds",
		Help:    "Workflow phase execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	// LedgerSubmissions counts ledger transactions by type and result code.
	LedgerSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokensim_ledger_submissions_total",
		Help: "Ledger transaction submissions",
	}, []string{"type", "result"})

	// ReconcileFailures counts reconciliations that could not derive an
	// economic delta, by reason.
	ReconcileFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokensim_reconcile_failures_total",
		Help: "Settlement reconciliations that failed",
	}, []string{"reason"})

	// DividendPayments counts successful per-holder dividend transfers.
	DividendPayments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokensim_dividend_payments_total",
		Help: "Successful per-holder dividend payments",
	})

	// DividendFailures counts per-holder dividend transfers that failed
	// and were skipped.
	DividendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokensim_dividend_failures_total",
		Help: "Per-holder dividend payments that failed",
	})

	// WebSocketClients tracks connected progress-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokensim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokensim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokensim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
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

// Flush passes through so streaming handlers keep working when wrapped.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
