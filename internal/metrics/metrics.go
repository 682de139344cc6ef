// Package metrics provides Prometheus instrumentation for the waterfall engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CalculationsTotal counts calculation runs, partitioned by outcome
	// ("ok", "invalid", "not_found", "lock_timeout", "persistence", "error").
	CalculationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterfall_calculations_total",
		Help: "Total number of waterfall calculations",
	}, []string{"outcome"})

	// CalculationLatency covers lock, load, compute and replace.
	CalculationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "waterfall_calculation_latency_seconds",
		Help:    "End-to-end calculation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// LockWait tracks how long calculations waited for their scenario lock.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "waterfall_lock_wait_seconds",
		Help:    "Time spent waiting for a scenario lock",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})

	// PayoutsWritten counts payout records written, by security type.
	PayoutsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterfall_payouts_written_total",
		Help: "Payout records written by recalculations",
	}, []string{"security_type"})

	// ConvertibleDecisions counts convert-vs-redeem outcomes.
	ConvertibleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterfall_convertible_decisions_total",
		Help: "Convertible securities resolved, by decision",
	}, []string{"decision"})

	// EventPublishFailures counts scenario events that could not be published.
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waterfall_event_publish_failures_total",
		Help: "Scenario events that failed to publish",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waterfall_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterfall_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "waterfall_http_request_duration_seconds",
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

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern labels by chi route pattern rather than raw path so that
// scenario IDs do not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
