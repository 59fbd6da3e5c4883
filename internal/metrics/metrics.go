// Package metrics provides Prometheus instrumentation for the paper ledger.
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
	// TradesTotal counts settled fills, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_trades_total",
		Help: "Total number of paper trades settled",
	}, []string{"side"})

	// TradeLatency measures ExecuteBuy/ExecuteSell end to end, oracle included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades refused by the ledger, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_trade_rejections_total",
		Help: "Trades rejected before settlement",
	}, []string{"side", "reason"})

	// ExecutionFailures counts store failures surfaced as a retry message.
	ExecutionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_execution_failures_total",
		Help: "Ledger operations that failed while writing to the store",
	}, []string{"op"})

	// AccountResets counts account resets.
	AccountResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_account_resets_total",
		Help: "Number of account resets",
	})

	// OracleRequests counts price lookups by outcome.
	OracleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_oracle_requests_total",
		Help: "Price oracle requests by outcome",
	}, []string{"outcome"})

	// OracleLatency tracks upstream price lookup duration.
	OracleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paper_oracle_latency_seconds",
		Help:    "Price oracle request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_http_request_duration_seconds",
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

		// Label with the route pattern so user IDs and token addresses do not
		// explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack is needed for WebSocket upgrades behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
