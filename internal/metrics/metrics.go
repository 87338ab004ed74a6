// Package metrics provides Prometheus instrumentation for the portfolio engine.
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
	// TickerRequestsTotal counts outbound ticker requests by call kind
	// ("single", "batch") and outcome ("ok", "transport", "response").
	TickerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_ticker_requests_total",
		Help: "Outbound ticker API requests",
	}, []string{"kind", "outcome"})

	// TickerLatency tracks outbound ticker request latency.
	TickerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_ticker_latency_seconds",
		Help:    "Ticker API request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// RefreshesTotal counts refresh cycles by result ("updated", "partial",
	// "empty", "skipped").
	RefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_refreshes_total",
		Help: "Portfolio refresh cycles",
	}, []string{"result"})

	TotalValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_total_value",
		Help: "Current total portfolio value in the quote currency",
	})

	TotalProfitLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_total_profit_loss",
		Help: "Current total profit/loss in the quote currency",
	})

	// HoldingPrice tracks the last known price per market.
	HoldingPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portfolio_holding_price",
		Help: "Last known trade price per market",
	}, []string{"market"})

	// Stale is 1 while some holding is missing a fresh price.
	Stale = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_stale",
		Help: "1 when the last refresh did not price every holding",
	})

	SnapshotsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_snapshots_recorded_total",
		Help: "Valuation snapshots persisted",
	})

	// SnapshotsDropped counts snapshots discarded because the recorder
	// queue was full.
	SnapshotsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_snapshots_dropped_total",
		Help: "Valuation snapshots dropped before persistence",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveTicker records one outbound ticker call.
func ObserveTicker(kind, outcome string, started time.Time) {
	TickerRequestsTotal.WithLabelValues(kind, outcome).Inc()
	TickerLatency.WithLabelValues(kind).Observe(time.Since(started).Seconds())
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

		// Route pattern keeps snapshot IDs out of the label set.
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
