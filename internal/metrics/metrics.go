// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts committed trades, partitioned by kind and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind", "outcome"})

	// TradeLatency tracks end-to-end trade latency, lock wait included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_engine_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// RejectionsTotal counts rejected commands by command and error kind.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_rejections_total",
		Help: "Commands rejected, by command and error kind",
	}, []string{"command", "kind"})

	// LockWait tracks how long units wait for their entity locks.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "market_engine_lock_wait_seconds",
		Help:    "Time spent acquiring entity locks",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	// MarketVolume tracks cumulative stake and proceeds per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_market_volume_total",
		Help: "Cumulative traded amount in currency units",
	}, []string{"market_id", "kind"})

	// SettlementsTotal counts resolved and invalidated markets.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_settlements_total",
		Help: "Markets settled, by settlement kind",
	}, []string{"kind"})

	// SettledAmount accumulates payouts and refunds.
	SettledAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_settled_amount_total",
		Help: "Currency credited by settlement, by settlement kind",
	}, []string{"kind"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_engine_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// AuditViolations counts reconciliation failures found by the auditor.
	AuditViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_audit_violations_total",
		Help: "Reconciliation violations found, by check",
	}, []string{"check"})

	// AuditRuns counts completed audit passes.
	AuditRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_engine_audit_runs_total",
		Help: "Completed reconciliation passes",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_engine_http_request_duration_seconds",
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

		// Label by route pattern, not raw path, to bound cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
