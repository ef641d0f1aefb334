// Package risk derives per-symbol take-profit and stop-loss targets.
//
// Target distances scale with recent volatility: the ATR cache supplies the
// base distance, the live spread and the round-trip taker fee cushion the
// take-profit leg so a filled exit clears costs, and the configured
// take-profit / stop-loss floors bound both legs from below. A minimum
// risk/reward ratio raises the take-profit leg when the cushioned target
// would not cover the stop distance. Every derivation appends one record to
// the TP/SL JSONL log.
package risk

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bottrader/internal/config"
	"bottrader/internal/store"
)

// Targets is one derived take-profit / stop-loss decision. Percentages are
// fractions of the entry price.
type Targets struct {
	TpPct         float64
	StopPct       float64
	RR            float64 // TpPct / StopPct
	ATRPct        float64
	CushionSpread float64
	CushionFee    float64
}

// TpPrice returns the take-profit level for a long entered at entry.
func (t Targets) TpPrice(entry float64) float64 {
	return entry * (1 + t.TpPct)
}

// StopPrice returns the stop level for a long entered at entry.
func (t Targets) StopPrice(entry float64) float64 {
	return entry * (1 - t.StopPct)
}

// tpslRecord is one line of the TP/SL log. Key names are part of the log
// contract.
type tpslRecord struct {
	TS            string  `json:"ts"`
	Symbol        string  `json:"symbol"`
	RR            float64 `json:"rr"`
	TpPct         float64 `json:"tp_pct"`
	StopPct       float64 `json:"stop_pct"`
	ATRPct        float64 `json:"atr_pct"`
	CushionSpread float64 `json:"cushion_spread"`
	CushionFee    float64 `json:"cushion_fee"`
}

// Manager derives targets from the shared caches and appends each decision
// to the TP/SL log. Safe for concurrent use.
type Manager struct {
	cfg     config.RiskConfig
	trading config.TradingConfig
	store   *store.Store
	logger  *slog.Logger

	mu   sync.Mutex
	path string
	f    *os.File
	now  func() time.Time
}

// NewManager creates a target manager. logPath may be empty to disable the
// TP/SL log.
func NewManager(cfg config.RiskConfig, trading config.TradingConfig, st *store.Store, logPath string, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		trading: trading,
		store:   st,
		logger:  logger.With("component", "risk"),
		path:    logPath,
		now:     time.Now,
	}
}

// Derive computes the current targets for symbol and logs the decision.
// With no ATR on record the configured floors apply unchanged.
func (m *Manager) Derive(symbol string) Targets {
	atrPct, _ := m.store.ATRPct(symbol)

	var cushionSpread float64
	if ba, ok := m.store.BidAsk(symbol); ok {
		if mid := ba.Mid(); mid > 0 && ba.Ask >= ba.Bid {
			cushionSpread = (ba.Ask - ba.Bid) / mid
		}
	}
	cushionFee := 2 * m.trading.TakerFee

	stopPct := m.trading.StopLoss
	if atr := atrPct * m.cfg.StopATRMult; atr > stopPct {
		stopPct = atr
	}
	tpPct := m.trading.TakeProfit
	if atr := atrPct*m.cfg.TpATRMult + cushionSpread + cushionFee; atr > tpPct {
		tpPct = atr
	}

	var rr float64
	if stopPct > 0 {
		rr = tpPct / stopPct
		if m.cfg.MinRR > 0 && rr < m.cfg.MinRR {
			tpPct = stopPct * m.cfg.MinRR
			rr = m.cfg.MinRR
		}
	}

	t := Targets{
		TpPct:         tpPct,
		StopPct:       stopPct,
		RR:            rr,
		ATRPct:        atrPct,
		CushionSpread: cushionSpread,
		CushionFee:    cushionFee,
	}
	m.append(symbol, t)
	return t
}

// append writes the decision line. Failures are logged and swallowed.
func (m *Manager) append(symbol string, t Targets) {
	if m.path == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.f == nil {
		if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
			m.logger.Warn("tp/sl log dir", "error", err)
			return
		}
		f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			m.logger.Warn("tp/sl log open", "error", err)
			return
		}
		m.f = f
	}

	line, err := json.Marshal(tpslRecord{
		TS:            m.now().UTC().Format(time.RFC3339Nano),
		Symbol:        symbol,
		RR:            t.RR,
		TpPct:         t.TpPct,
		StopPct:       t.StopPct,
		ATRPct:        t.ATRPct,
		CushionSpread: t.CushionSpread,
		CushionFee:    t.CushionFee,
	})
	if err != nil {
		m.logger.Warn("tp/sl log marshal", "error", err)
		return
	}
	if _, err := m.f.Write(append(line, '\n')); err != nil {
		m.logger.Warn("tp/sl log write", "error", err)
	}
}

// Close closes the log file.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f != nil {
		m.f.Close()
		m.f = nil
	}
}
