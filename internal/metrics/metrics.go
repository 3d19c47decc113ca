// Package metrics provides Prometheus instrumentation for the exchange engine.
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
	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phx_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks Execute latency including the oracle call.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "phx_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades that failed, by error kind.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phx_trade_rejections_total",
		Help: "Trades rejected, by error kind",
	}, []string{"kind"})

	// TradeVolume tracks cumulative executed quantity per symbol.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phx_trade_volume_total",
		Help: "Cumulative executed quantity in shares",
	}, []string{"symbol", "side"})

	// OracleFailures counts price lookups that produced no usable price.
	OracleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phx_oracle_failures_total",
		Help: "Price oracle lookups that failed",
	}, []string{"caller", "reason"})

	// ValuationFallbacks counts portfolio rows valued at zero because the
	// oracle had no price.
	ValuationFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phx_valuation_price_fallbacks_total",
		Help: "Portfolio rows valued at zero for lack of a price",
	})

	// StatsCacheLookups counts dashboard stats cache lookups by result.
	StatsCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phx_stats_cache_lookups_total",
		Help: "Dashboard stats cache lookups",
	}, []string{"result"})

	// StatsRefreshes counts per-account refresher recomputations by outcome.
	StatsRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phx_stats_refreshes_total",
		Help: "Dashboard stats recomputations by the periodic refresher",
	}, []string{"outcome"})

	// AccountsRegistered counts successful registrations.
	AccountsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phx_accounts_registered_total",
		Help: "Accounts registered",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "phx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "phx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 3.0},
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern so account IDs stay out of the
// label set.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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
