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
	// TradesTotal counts committed trades, partitioned by side and direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oddsbook_trades_total",
		Help: "Total number of trades committed",
	}, []string{"side", "direction"})

	// TradeLatency tracks end-to-end trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oddsbook_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades rejected, by error code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oddsbook_trade_rejections_total",
		Help: "Trades rejected, by error code",
	}, []string{"code"})

	// TradeRetries counts transaction retries after isolation conflicts.
	TradeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oddsbook_trade_retries_total",
		Help: "Trade transactions retried after a serialization conflict",
	})

	// MarketVolume tracks cumulative traded volume per side.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oddsbook_market_volume_total",
		Help: "Cumulative traded volume in currency units",
	}, []string{"side"})

	// ActiveMarkets tracks the number of open markets at last listing.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oddsbook_active_markets",
		Help: "Number of currently open markets",
	})

	// MarketsResolved counts markets settled.
	MarketsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oddsbook_markets_resolved_total",
		Help: "Markets resolved by settlement",
	})

	// SettlementFailures counts per-market settlement failures.
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oddsbook_settlement_failures_total",
		Help: "Per-market settlement failures, by reason",
	}, []string{"reason"})

	// SettlementPaidOut tracks total currency credited by settlement.
	SettlementPaidOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oddsbook_settlement_paid_out_total",
		Help: "Currency credited to holders by settlement",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oddsbook_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// StoreQueryDuration tracks ledger query latency by operation.
	StoreQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oddsbook_store_query_duration_seconds",
		Help:    "Ledger store query duration in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"op"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oddsbook_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oddsbook_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveQuery starts a timer for a store operation. Call the returned
// func when the operation finishes.
func ObserveQuery(op string) func() {
	start := time.Now()
	return func() {
		StoreQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
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
	return h.Hijack()
}
