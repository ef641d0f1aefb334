package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// StreamStatus is one WebSocket stream's liveness reading.
type StreamStatus struct {
	Name          string    `json:"name"`
	LastActivity  time.Time `json:"last_activity"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Status is the /api/status payload.
type Status struct {
	StartedAt        time.Time      `json:"started_at"`
	Uptime           string         `json:"uptime"`
	Symbols          []string       `json:"symbols"`
	Streams          []StreamStatus `json:"streams"`
	RecorderQueue    int            `json:"recorder_queue"`
	TrackedOrders    int            `json:"tracked_orders"`
	OpenPositions    int            `json:"open_positions"`
	PlacementsPaused bool           `json:"placements_paused"`
}

// PerformanceRow is one symbol's realized P&L under the active strategy
// snapshot.
type PerformanceRow struct {
	SnapshotID     string          `json:"snapshot_id"`
	Symbol         string          `json:"symbol"`
	Trades         int             `json:"trades"`
	RealizedPnlUSD decimal.Decimal `json:"realized_pnl_usd"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Provider supplies the ops payloads; the engine implements it.
type Provider interface {
	Status() Status
	Performance(ctx context.Context) ([]PerformanceRow, error)
}

// Handlers holds the ops handler dependencies.
type Handlers struct {
	provider Provider
	logger   *slog.Logger
}

// NewHandlers creates the ops handlers.
func NewHandlers(provider Provider, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		logger:   logger.With("component", "ops-handlers"),
	}
}

// HandleHealth returns a simple liveness response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleStatus returns the engine's status snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.provider.Status()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error("failed to encode status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandlePerformance returns realized P&L per symbol for the active strategy
// snapshot. Empty until the FIFO engine has finalized at least one sell.
func (h *Handlers) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	rows, err := h.provider.Performance(r.Context())
	if err != nil {
		h.logger.Error("failed to load performance summary", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []PerformanceRow{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rows); err != nil {
		h.logger.Error("failed to encode performance summary", "error", err)
	}
}
