// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// SettlementsTotal counts settlement operations by op and outcome
	// (ok or the error kind).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bourse_settlements_total",
		Help: "Total settlement operations by outcome",
	}, []string{"op", "outcome"})

	// SettlementLatency tracks end-to-end settlement latency, lock waits included.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bourse_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// SharesSettled tracks cumulative shares moved per side.
	SharesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bourse_shares_settled_total",
		Help: "Cumulative shares moved between treasury and traders",
	}, []string{"side", "reason"})

	// LiquidatedPositions counts positions closed by forced liquidation.
	LiquidatedPositions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bourse_liquidated_positions_total",
		Help: "Positions closed by liquidation",
	}, []string{"reason"})

	// LockRetries counts liquidations that re-ran because the holder set
	// changed between planning and locking.
	LockRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bourse_lock_retries_total",
		Help: "Liquidation attempts retried after the lock set changed",
	}, []string{"op"})

	// Recharges counts wallet recharges by outcome.
	Recharges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bourse_wallet_recharges_total",
		Help: "Wallet recharge attempts by outcome",
	}, []string{"outcome"})

	// PriceLoads counts price loads by source and result.
	PriceLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bourse_price_loads_total",
		Help: "Price loads by source and result",
	}, []string{"source", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bourse_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bourse_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bourse_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveSettlement records one finished settlement operation.
func ObserveSettlement(op, outcome string, started time.Time) {
	SettlementsTotal.WithLabelValues(op, outcome).Inc()
	SettlementLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

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

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
