// Package metrics exposes Prometheus instrumentation for the trading engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "price_ticks_total", Help: "Count of price ticks processed"},
		[]string{"symbol"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Signals emitted"},
		[]string{"symbol", "direction"},
	)
	SignalsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_suppressed_total", Help: "Signals suppressed by dedup or threshold"},
		[]string{"symbol", "reason"},
	)
	PositionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "positions_closed_total", Help: "Positions closed"},
		[]string{"symbol", "reason"},
	)
	SourceFailovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "source_failovers_total", Help: "Market data source failovers"},
		[]string{"from", "to"},
	)
	SourceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "source_requests_total", Help: "Market data requests by outcome"},
		[]string{"source", "outcome"},
	)
	OpenPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Currently open positions"},
		[]string{"symbol"},
	)
	ConfidenceThreshold = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "confidence_threshold", Help: "Current adaptive confidence threshold"},
		[]string{"symbol"},
	)
	PersistRetryQueue = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "persist_retry_queue", Help: "Persistence writes waiting for async retry"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, SignalsTotal, SignalsSuppressed, PositionsClosed,
		SourceFailovers, SourceRequests, OpenPositions, ConfidenceThreshold,
		PersistRetryQueue,
	)
}

// Serve starts the /metrics endpoint on its own listener.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
