// Package metrics holds the bot's Prometheus collectors. Everything is
// registered at package init through promauto and served by the ops
// server's /metrics endpoint.
//
// Naming: bot_* with total/depth suffixes per Prometheus conventions.
// Components update their own series directly; nothing here is required
// for correct trading, only for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest.
	WSMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_ws_messages_total",
			Help: "Inbound WebSocket frames by stream and channel",
		},
		[]string{"stream", "channel"},
	)

	WSReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_ws_reconnects_total",
			Help: "WebSocket reconnect attempts by stream",
		},
		[]string{"stream"},
	)

	StreamConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_stream_connected",
			Help: "Stream connection status (1 connected, 0 down)",
		},
		[]string{"stream"},
	)

	ReconciledFills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_reconciled_fills_total",
			Help: "Fills backfilled from REST history by symbol",
		},
		[]string{"symbol"},
	)

	ReconciledOrders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_reconciled_orders_total",
			Help: "Stale tracked orders resolved from REST history by symbol",
		},
		[]string{"symbol"},
	)

	// Signals.
	Signals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_signals_total",
			Help: "Signal evaluations by symbol and action",
		},
		[]string{"symbol", "action"},
	)

	// Orders.
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_placed_total",
			Help: "Orders placed by side and source",
		},
		[]string{"side", "source"},
	)

	OrdersFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_failed_total",
			Help: "Order placements rejected or failed by reason",
		},
		[]string{"reason"},
	)

	// Ledger.
	RecorderQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_recorder_queue_depth",
			Help: "Fill events waiting in the recorder queue",
		},
	)

	FifoRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_fifo_runs_total",
			Help: "Completed FIFO replay runs",
		},
	)

	FifoAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fifo_allocations_total",
			Help: "FIFO allocations written by symbol",
		},
		[]string{"symbol"},
	)

	FifoUncovered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_fifo_uncovered_sells",
			Help: "Sells with uncovered residue awaiting manual review, by symbol",
		},
		[]string{"symbol"},
	)

	// Positions.
	OpenPositions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Spot positions currently tracked",
		},
	)

	Exits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exits_total",
			Help: "Position exits by reason",
		},
		[]string{"reason"},
	)
)
