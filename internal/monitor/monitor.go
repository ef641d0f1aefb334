// Package monitor sweeps open spot positions and exits them by a fixed
// priority ladder.
//
// Sweeps fire on a short ticker, but positions are only evaluated once per
// position check interval. Per position, highest priority first:
//
//  1. Hard stop: a deep loss exits at a market-like price immediately and
//     always overrides any bracket on the book.
//  2. Soft stop: a loss past max_loss_pct defers to a bracket whose stop
//     sits within tolerance of the monitor's own level, otherwise the
//     monitor takes over.
//  3. Trailing stop: once armed, the stop ratchets up behind new highs and
//     the position exits when the mid falls through it. Arming requires the
//     activation profit; before arming, a sell signal can exit a position
//     already past the signal-exit profit floor.
//  4. Take profit: only when trailing is disabled, deferring to a matching
//     bracket leg the same way the soft stop does.
//  5. Hold.
//
// An exit cancels the product's working orders first to release locked
// balance, then places a sell priced to fill against the bid.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bottrader/internal/config"
	"bottrader/internal/exchange"
	"bottrader/internal/metrics"
	"bottrader/internal/risk"
	"bottrader/internal/store"
	"bottrader/pkg/types"
)

const (
	defaultSweepInterval = 3 * time.Second

	// softStopMarketPct is the loss past which a soft stop exits at a
	// market-like price instead of a regular limit.
	softStopMarketPct = 0.03
)

// Orders is the slice of the order manager the monitor drives exits through.
type Orders interface {
	BuildOrderData(source types.OrderSource, trigger types.Trigger, asset, productID string, side types.Side, typ types.OrderType) (*types.OrderData, error)
	AdjustExitPrice(od *types.OrderData, prec types.Precision, marketLike bool) (decimal.Decimal, decimal.Decimal, error)
	PlaceOrder(ctx context.Context, od *types.OrderData, prec types.Precision) (*exchange.OrderResponse, error)
	Precision(productID string) (types.Precision, bool)
}

// Canceller cancels working orders ahead of an exit.
type Canceller interface {
	CancelOrders(ctx context.Context, orderIDs []string) ([]exchange.CancelResult, error)
}

// TargetSource derives the stop and take-profit fractions for a product.
type TargetSource interface {
	Derive(symbol string) risk.Targets
}

// Monitor owns the exit side of every open position: stops, trailing
// stops, signal exits, and take profits.
type Monitor struct {
	cfg     config.TradingConfig
	store   *store.Store
	orders  Orders
	client  Canceller
	targets TargetSource
	logger  *slog.Logger

	mu        sync.Mutex
	trailing  map[string]*types.TrailingStopState
	lastCheck time.Time

	now func() time.Time
}

// NewMonitor wires a position monitor against the shared store.
func NewMonitor(cfg config.TradingConfig, st *store.Store, om Orders, client Canceller, targets TargetSource, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		store:    st,
		orders:   om,
		client:   client,
		targets:  targets,
		logger:   logger.With("component", "monitor"),
		trailing: make(map[string]*types.TrailingStopState),
		now:      time.Now,
	}
}

// Run sweeps until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("position monitor started",
		"sweep_interval", interval, "check_interval", m.cfg.PositionCheckInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("position monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates all open positions, at most once per check interval.
// Calls inside the interval are no-ops so the ticker can stay tight.
func (m *Monitor) Sweep(ctx context.Context) {
	m.mu.Lock()
	if m.now().Sub(m.lastCheck) < m.cfg.PositionCheckInterval {
		m.mu.Unlock()
		return
	}
	m.lastCheck = m.now()
	m.mu.Unlock()

	m.sweepNow(ctx)
}

func (m *Monitor) sweepNow(ctx context.Context) {
	positions := m.store.SpotPositions()
	live := make(map[string]bool, len(positions))
	for asset, pos := range positions {
		if asset == "USD" || m.cfg.Hodling(asset) {
			continue
		}
		if pos.TotalBalance <= m.cfg.DustThreshold {
			continue
		}
		product := asset + "-USD"
		live[product] = true
		m.evaluate(ctx, asset, product, pos)
	}
	metrics.OpenPositions.Set(float64(len(live)))

	// Closed positions take their trailing state with them.
	m.mu.Lock()
	for product := range m.trailing {
		if !live[product] {
			delete(m.trailing, product)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) evaluate(ctx context.Context, asset, product string, pos types.SpotPosition) {
	ba, ok := m.store.BidAsk(product)
	if !ok {
		return
	}
	mid := ba.Mid()
	if mid <= 0 {
		return
	}

	entry := mid - pos.UnrealizedPnl/pos.TotalBalance
	if entry <= 0 {
		m.logger.Warn("skipping position with non-positive entry",
			"symbol", product, "entry", entry)
		return
	}
	pnlPct := (mid - entry) / entry

	// A sell already working against this position means the last decision
	// is still in flight.
	if m.store.PendingSell(product) {
		return
	}

	bracket, hasBracket := m.store.Bracket(product)
	targets := m.targets.Derive(product)

	sig, sigOK := m.store.LastSignal(product)
	signalSell := sigOK && sig.Action == types.ActionSell

	ts := m.trailingState(product, mid, targets.ATRPct)

	d := m.decide(mid, entry, pnlPct, targets, bracket, hasBracket, ts, signalSell)
	switch {
	case d.activate:
		m.logger.Info("trailing stop armed",
			"symbol", product, "pnl_pct", pnlPct,
			"stop", ts.StopPrice, "last_high", ts.LastHigh)
	case d.exit:
		m.placeExit(ctx, asset, product, d, mid, entry, pnlPct)
	}
}

// decision is the outcome of one ladder walk for one position.
type decision struct {
	exit            bool
	activate        bool
	reason          types.ExitReason
	marketLike      bool
	overrideBracket bool
}

func (m *Monitor) decide(mid, entry, pnlPct float64, t risk.Targets, bracket types.BracketOrder, hasBracket bool, ts *types.TrailingStopState, signalSell bool) decision {
	// 1. Hard stop.
	if pnlPct <= -m.cfg.HardStopPct {
		return decision{exit: true, reason: types.ExitEmergency, marketLike: true, overrideBracket: true}
	}

	// 2. Soft stop. A bracket whose stop already protects the monitor's
	// level keeps the job; anything else gets overridden.
	if pnlPct <= -m.cfg.MaxLossPct {
		if hasBracket && bracket.StopPrice > 0 &&
			withinTolerance(bracket.StopPrice, t.StopPrice(entry), m.cfg.BracketTolerancePct) {
			return decision{}
		}
		return decision{
			exit:            true,
			reason:          types.ExitSoftStop,
			marketLike:      pnlPct <= -softStopMarketPct,
			overrideBracket: hasBracket,
		}
	}

	// 3. Trailing stop, then activation, then signal exit.
	if m.cfg.TrailingStopEnabled {
		if ts.TrailingActive {
			advanceTrailing(ts, mid, t.ATRPct, m.cfg)
			if ts.StopPrice > 0 && mid <= ts.StopPrice {
				return decision{exit: true, reason: types.ExitTrailingStop, overrideBracket: hasBracket}
			}
			return decision{}
		}
		if pnlPct >= m.cfg.TrailingActivationPct {
			activateTrailing(ts, mid, t.ATRPct, m.cfg)
			return decision{activate: true}
		}
		if signalSell && m.cfg.SignalExitEnabled && pnlPct >= m.cfg.SignalExitMinProfitPct {
			return decision{exit: true, reason: types.ExitSignal, overrideBracket: hasBracket}
		}
		return decision{}
	}

	// 4. Take profit when trailing is disabled.
	if pnlPct >= m.cfg.MinProfitPct {
		if hasBracket && bracket.TpPrice > 0 &&
			withinTolerance(bracket.TpPrice, t.TpPrice(entry), m.cfg.BracketTolerancePct) {
			return decision{}
		}
		return decision{exit: true, reason: types.ExitTakeProfit, overrideBracket: hasBracket}
	}

	// 5. Hold.
	return decision{}
}

func (m *Monitor) placeExit(ctx context.Context, asset, product string, d decision, mid, entry, pnlPct float64) {
	m.logger.Warn("exiting position",
		"symbol", product, "reason", string(d.reason), "pnl_pct", pnlPct,
		"mid", mid, "entry", entry, "market_like", d.marketLike)

	m.cancelWorking(ctx, product)
	if d.overrideBracket {
		m.store.RemoveBracket(product)
	}

	trigger := types.Trigger{Kind: "position_monitor", Detail: string(d.reason)}
	od, err := m.orders.BuildOrderData(types.SourcePositionMonitor, trigger, asset, product, types.SELL, types.OrderTypeLimit)
	if err != nil {
		m.logger.Error("exit order build failed", "symbol", product, "error", err)
		return
	}
	prec, ok := m.orders.Precision(product)
	if !ok {
		m.logger.Error("no precision for exit order", "symbol", product)
		return
	}
	if _, _, err := m.orders.AdjustExitPrice(od, prec, d.marketLike); err != nil {
		m.logger.Error("exit pricing failed", "symbol", product, "error", err)
		return
	}
	resp, err := m.orders.PlaceOrder(ctx, od, prec)
	if err != nil {
		m.logger.Error("exit order rejected", "symbol", product, "error", err)
		return
	}

	m.store.AppendExit(types.ExitRecord{
		Time:            m.now().UTC(),
		Symbol:          product,
		Reason:          d.reason,
		PnlPct:          pnlPct,
		Mid:             mid,
		Entry:           entry,
		Size:            od.AdjustedSize.InexactFloat64(),
		OrderID:         resp.OrderID,
		UseMarket:       d.marketLike,
		OverrideBracket: d.overrideBracket,
	})
	metrics.Exits.WithLabelValues(string(d.reason)).Inc()

	if d.reason == types.ExitTrailingStop {
		m.mu.Lock()
		delete(m.trailing, product)
		m.mu.Unlock()
	}
	m.logger.Info("exit order placed",
		"symbol", product, "order_id", resp.OrderID, "reason", string(d.reason))
}

// cancelWorking cancels the product's tracked orders so the exit is not
// blocked by balance locked under them.
func (m *Monitor) cancelWorking(ctx context.Context, product string) {
	var ids []string
	for id, info := range m.store.TrackedOrders() {
		if info.ProductID == product {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	results, err := m.client.CancelOrders(ctx, ids)
	if err != nil {
		m.logger.Warn("cancel before exit failed", "symbol", product, "error", err)
		return
	}
	for _, r := range results {
		if r.Success {
			m.store.UntrackOrder(r.OrderID)
		}
	}
}

func (m *Monitor) trailingState(product string, mid, atrPct float64) *types.TrailingStopState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.trailing[product]
	if !ok {
		ts = newTrailingState(mid, atrPct)
		m.trailing[product] = ts
	}
	return ts
}

// TrailingState returns a copy of the trailing stop tracking for a product.
func (m *Monitor) TrailingState(product string) (types.TrailingStopState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.trailing[product]
	if !ok {
		return types.TrailingStopState{}, false
	}
	return *ts, true
}

func withinTolerance(got, want, tol float64) bool {
	if want <= 0 {
		return false
	}
	return math.Abs(got-want)/want <= tol
}
