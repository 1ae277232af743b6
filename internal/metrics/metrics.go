// Package metrics provides Prometheus instrumentation for the gateway.
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
	// TradesTotal counts trade submissions by market kind and outcome of
	// the submission (succeeded, rejected, failed).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predik_trades_total",
		Help: "Trade submissions by market kind and result",
	}, []string{"kind", "result"})

	// TradeLatency tracks end-to-end submission latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predik_trade_latency_seconds",
		Help:    "Trade submission latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// ProfileProvisions counts ensure-profile outcomes: existing,
	// created, already_exists (lost race), failed.
	ProfileProvisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predik_profile_provisions_total",
		Help: "Profile provisioning attempts by outcome",
	}, []string{"outcome"})

	// StaleFetchesDiscarded counts fetch responses dropped because the
	// identity or filter generation changed while they were in flight.
	StaleFetchesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predik_stale_fetches_discarded_total",
		Help: "Fetch responses discarded as stale",
	})

	// AuthEvents counts auth provider events by kind.
	AuthEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predik_auth_events_total",
		Help: "Auth provider events processed",
	}, []string{"kind"})

	// WebSocketClients tracks connected price-feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predik_websocket_clients",
		Help: "Connected price-feed WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predik_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predik_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
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
