// Package orders builds, adjusts, and places trade orders.
//
// Per intent:
//  1. BuildOrderData resolves balances, precision, and a preliminary size
//     (buys: configured quote amount at the fee-cushioned ask; sells: the
//     full available base balance).
//  2. AdjustPriceAndSize quantizes to the product's increments and offsets
//     the limit price into the book by max(0.5% of the spread, one tick).
//  3. PlaceOrder submits under a client-generated id; a retry that finds the
//     id already tracked returns without re-submitting.
//
// Rejections map to the exchange error taxonomy: bad-order kinds drop the
// intent, a stale-precision rejection re-quantizes once and retries, and
// rate-limit or maintenance rejections pause placements for the window.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bottrader/internal/config"
	"bottrader/internal/exchange"
	"bottrader/internal/metrics"
	"bottrader/internal/store"
	"bottrader/pkg/types"
)

const defaultPlacementPause = 10 * time.Second

var (
	spreadOffsetPct = decimal.NewFromFloat(0.005)
	one             = decimal.NewFromInt(1)
)

// Exchange is the slice of the exchange client the manager uses.
type Exchange interface {
	PlaceOrder(ctx context.Context, od types.OrderData) (*exchange.OrderResponse, error)
	GetProducts(ctx context.Context) ([]exchange.Product, error)
}

// SnapshotSource reports the id of the strategy snapshot active right now.
type SnapshotSource interface {
	ActiveID() string
}

// LedgerWriter persists placement side effects.
type LedgerWriter interface {
	LinkTrade(ctx context.Context, orderID, snapshotID string) error
	UpsertPassiveOrder(ctx context.Context, info types.OrderInfo) error
}

// Manager turns order intents into tracked exchange orders.
type Manager struct {
	cfg       config.TradingConfig
	client    Exchange
	store     *store.Store
	snapshots SnapshotSource
	ledger    LedgerWriter
	logger    *slog.Logger
	now       func() time.Time

	precMu    sync.RWMutex
	precision map[string]types.Precision

	pauseMu    sync.Mutex
	pauseUntil time.Time
}

// NewManager creates an order manager. snapshots and ledger may be nil.
func NewManager(cfg config.TradingConfig, client Exchange, st *store.Store, snapshots SnapshotSource, ledger LedgerWriter, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		client:    client,
		store:     st,
		snapshots: snapshots,
		ledger:    ledger,
		logger:    logger.With("component", "orders"),
		now:       time.Now,
		precision: make(map[string]types.Precision),
	}
}

// RefreshProducts reloads the per-product precision cache.
func (m *Manager) RefreshProducts(ctx context.Context) error {
	products, err := m.client.GetProducts(ctx)
	if err != nil {
		return fmt.Errorf("refresh products: %w", err)
	}
	fresh := make(map[string]types.Precision, len(products))
	for _, p := range products {
		if p.IsDisabled {
			continue
		}
		prec, err := parsePrecision(p)
		if err != nil {
			m.logger.Warn("unparseable product increments", "product", p.ProductID, "error", err)
			continue
		}
		fresh[p.ProductID] = prec
	}
	m.precMu.Lock()
	m.precision = fresh
	m.precMu.Unlock()
	m.logger.Info("product precision refreshed", "products", len(fresh))
	return nil
}

func parsePrecision(p exchange.Product) (types.Precision, error) {
	base, err := decimal.NewFromString(p.BaseIncrement)
	if err != nil {
		return types.Precision{}, fmt.Errorf("base_increment %q: %w", p.BaseIncrement, err)
	}
	quote, err := decimal.NewFromString(p.QuoteIncrement)
	if err != nil {
		return types.Precision{}, fmt.Errorf("quote_increment %q: %w", p.QuoteIncrement, err)
	}
	minSize, err := decimal.NewFromString(p.BaseMinSize)
	if err != nil {
		return types.Precision{}, fmt.Errorf("base_min_size %q: %w", p.BaseMinSize, err)
	}
	return types.Precision{BaseIncrement: base, QuoteIncrement: quote, BaseMinSize: minSize}, nil
}

// Precision returns the cached increments for a product.
func (m *Manager) Precision(productID string) (types.Precision, bool) {
	m.precMu.RLock()
	defer m.precMu.RUnlock()
	p, ok := m.precision[productID]
	return p, ok
}

// BuildOrderData assembles an order intent with balances and preliminary
// sizing. asset is the base currency ("BTC"), productID the pair
// ("BTC-USD").
func (m *Manager) BuildOrderData(source types.OrderSource, trigger types.Trigger, asset, productID string, side types.Side, typ types.OrderType) (*types.OrderData, error) {
	if side == types.SELL && m.cfg.Hodling(asset) {
		return nil, fmt.Errorf("%s is on the hodl list, refusing to sell", asset)
	}

	var availFiat, availBase decimal.Decimal
	if pos, ok := m.store.SpotPosition("USD"); ok {
		availFiat = decimal.NewFromFloat(pos.AvailableToTrade)
	}
	if pos, ok := m.store.SpotPosition(asset); ok {
		availBase = decimal.NewFromFloat(pos.AvailableToTrade)
	}

	od := &types.OrderData{
		ClientOrderID: uuid.NewString(),
		Source:        source,
		Trigger:       trigger,
		ProductID:     productID,
		BaseCurrency:  asset,
		QuoteCurrency: "USD",
		Side:          side,
		Type:          typ,
		Time:          m.now(),
		AvailableFiat: availFiat,
		AvailableBase: availBase,
	}
	if m.snapshots != nil {
		od.SnapshotID = m.snapshots.ActiveID()
	}

	switch side {
	case types.BUY:
		fiat := decimal.NewFromFloat(m.cfg.OrderSize)
		if availFiat.LessThan(fiat) {
			return nil, fmt.Errorf("insufficient quote balance for %s: have %s, need %s",
				productID, availFiat, fiat)
		}
		ba, ok := m.store.BidAsk(productID)
		if !ok || ba.Ask <= 0 {
			return nil, fmt.Errorf("no quote for %s", productID)
		}
		// Preliminary size at the fee-cushioned ask; AdjustPriceAndSize
		// recomputes against the final limit price.
		cushioned := decimal.NewFromFloat(ba.Ask).
			Mul(one.Add(decimal.NewFromFloat(m.cfg.TakerFee)))
		od.FiatAmount = fiat
		od.BaseAmount = fiat.Div(cushioned)
	case types.SELL:
		dust := decimal.NewFromFloat(m.cfg.DustThreshold)
		if availBase.LessThanOrEqual(dust) {
			return nil, fmt.Errorf("no %s balance to sell: have %s", asset, availBase)
		}
		od.BaseAmount = availBase
	default:
		return nil, fmt.Errorf("unsupported side %q", side)
	}
	return od, nil
}

// AdjustPriceAndSize quantizes the intent to the product's increments and
// writes the results back to od. Buy prices land just above the best bid
// and sell prices just below the best ask, offset by max(0.5% of the
// spread, one tick).
func (m *Manager) AdjustPriceAndSize(od *types.OrderData, prec types.Precision) (decimal.Decimal, decimal.Decimal, error) {
	ba, ok := m.store.BidAsk(od.ProductID)
	if !ok || ba.Bid <= 0 || ba.Ask <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("no quote for %s", od.ProductID)
	}
	bid := decimal.NewFromFloat(ba.Bid)
	ask := decimal.NewFromFloat(ba.Ask)
	tick := prec.QuoteIncrement
	if tick.IsZero() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("zero quote increment for %s", od.ProductID)
	}

	offset := ask.Sub(bid).Mul(spreadOffsetPct)
	if offset.LessThan(tick) {
		offset = tick
	}

	var price decimal.Decimal
	if od.Side == types.BUY {
		price = quantizeDown(bid.Add(offset), tick)
	} else {
		price = quantizeUp(ask.Sub(offset), tick)
	}
	if !price.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("non-positive adjusted price for %s", od.ProductID)
	}

	var size decimal.Decimal
	if od.Side == types.BUY {
		cushioned := price.Mul(one.Add(decimal.NewFromFloat(m.cfg.TakerFee)))
		size = quantizeDown(od.FiatAmount.Div(cushioned), prec.BaseIncrement)
	} else {
		size = quantizeDown(od.BaseAmount, prec.BaseIncrement)
	}
	if size.LessThan(prec.BaseMinSize) || size.IsZero() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("adjusted size %s below minimum %s for %s",
			size, prec.BaseMinSize, od.ProductID)
	}

	od.AdjustedPrice = price
	od.AdjustedSize = size
	return price, size, nil
}

// AdjustExitPrice prices a sell to fill against the bid: slightly below it
// for regular exits, 0.5% below for market-like fills. Size is the full
// requested base amount quantized down. Results are written back to od.
func (m *Manager) AdjustExitPrice(od *types.OrderData, prec types.Precision, marketLike bool) (decimal.Decimal, decimal.Decimal, error) {
	ba, ok := m.store.BidAsk(od.ProductID)
	if !ok || ba.Bid <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("no quote for %s", od.ProductID)
	}
	bid := decimal.NewFromFloat(ba.Bid)
	tick := prec.QuoteIncrement
	if tick.IsZero() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("zero quote increment for %s", od.ProductID)
	}

	var price decimal.Decimal
	if marketLike {
		price = quantizeDown(bid.Mul(one.Sub(spreadOffsetPct)), tick)
	} else {
		offset := decimal.NewFromFloat(ba.Ask).Sub(bid).Mul(spreadOffsetPct)
		if offset.LessThan(tick) {
			offset = tick
		}
		price = quantizeDown(bid.Sub(offset), tick)
	}
	if !price.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("non-positive exit price for %s", od.ProductID)
	}

	size := quantizeDown(od.BaseAmount, prec.BaseIncrement)
	if size.LessThan(prec.BaseMinSize) || size.IsZero() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("exit size %s below minimum %s for %s",
			size, prec.BaseMinSize, od.ProductID)
	}

	od.AdjustedPrice = price
	od.AdjustedSize = size
	return price, size, nil
}

func quantizeDown(v, inc decimal.Decimal) decimal.Decimal {
	if inc.IsZero() {
		return v
	}
	return v.Div(inc).Floor().Mul(inc)
}

func quantizeUp(v, inc decimal.Decimal) decimal.Decimal {
	if inc.IsZero() {
		return v
	}
	return v.Div(inc).Ceil().Mul(inc)
}

// PlaceOrder submits the intent. Placement is idempotent on the client
// order id, and the tracked order carries the snapshot id active at
// placement time.
func (m *Manager) PlaceOrder(ctx context.Context, od *types.OrderData, prec types.Precision) (*exchange.OrderResponse, error) {
	if info, ok := m.store.OrderByClientID(od.ClientOrderID); ok {
		m.logger.Info("order already tracked, skipping placement",
			"client_order_id", od.ClientOrderID, "order_id", info.OrderID)
		return &exchange.OrderResponse{Success: true, OrderID: info.OrderID}, nil
	}
	if until, paused := m.pausedUntil(); paused {
		metrics.OrdersFailed.WithLabelValues("paused").Inc()
		return nil, fmt.Errorf("placements paused until %s", until.UTC().Format(time.RFC3339))
	}

	resp, err := m.client.PlaceOrder(ctx, *od)
	if err != nil {
		return m.handleRejection(ctx, od, prec, resp, err)
	}
	m.trackPlaced(ctx, od, resp)
	return resp, nil
}

// handleRejection applies the taxonomy: drop, re-quantize once, or pause.
func (m *Manager) handleRejection(ctx context.Context, od *types.OrderData, prec types.Precision, resp *exchange.OrderResponse, err error) (*exchange.OrderResponse, error) {
	kind := exchange.ErrKind(err)
	metrics.OrdersFailed.WithLabelValues(string(kind)).Inc()
	switch kind {
	case exchange.KindInsufficientFunds, exchange.KindSizeTooSmall,
		exchange.KindBadSymbol, exchange.KindPostOnlyViolation:
		m.logger.Warn("bad_order",
			"kind", kind, "product", od.ProductID, "side", od.Side, "error", err)
		return resp, err

	case exchange.KindPriceTooAccurate:
		// The increment cache went stale. Refresh, re-quantize once, retry.
		if rerr := m.RefreshProducts(ctx); rerr != nil {
			m.logger.Warn("precision refresh after rejection failed", "error", rerr)
			return resp, err
		}
		fresh, ok := m.Precision(od.ProductID)
		if !ok {
			fresh = prec
		}
		if _, _, aerr := m.AdjustPriceAndSize(od, fresh); aerr != nil {
			return resp, fmt.Errorf("re-quantize after rejection: %w", aerr)
		}
		retry, rerr := m.client.PlaceOrder(ctx, *od)
		if rerr != nil {
			return retry, rerr
		}
		m.trackPlaced(ctx, od, retry)
		return retry, nil

	case exchange.KindRateLimited, exchange.KindMaintenance:
		m.pauseFor(err)
		return resp, err

	default:
		return resp, err
	}
}

func (m *Manager) trackPlaced(ctx context.Context, od *types.OrderData, resp *exchange.OrderResponse) {
	now := m.now()
	info := types.OrderInfo{
		OrderID:       resp.OrderID,
		ClientOrderID: od.ClientOrderID,
		ProductID:     od.ProductID,
		Side:          od.Side,
		Type:          od.Type,
		Price:         od.AdjustedPrice,
		Size:          od.AdjustedSize,
		Status:        "OPEN",
		Source:        od.Source,
		Trigger:       od.Trigger,
		SnapshotID:    od.SnapshotID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.store.TrackOrder(resp.OrderID, info)
	metrics.OrdersPlaced.WithLabelValues(string(od.Side), string(od.Source)).Inc()
	m.logger.Info("order placed",
		"order_id", resp.OrderID, "product", od.ProductID, "side", od.Side,
		"type", od.Type, "price", od.AdjustedPrice, "size", od.AdjustedSize,
		"source", od.Source, "trigger", od.Trigger.Detail)

	if m.ledger == nil {
		return
	}
	if od.SnapshotID != "" {
		if err := m.ledger.LinkTrade(ctx, resp.OrderID, od.SnapshotID); err != nil {
			m.logger.Warn("strategy link write failed", "order_id", resp.OrderID, "error", err)
		}
	}
	if od.Source == types.SourcePassive {
		if err := m.ledger.UpsertPassiveOrder(ctx, info); err != nil {
			m.logger.Warn("passive order upsert failed", "order_id", resp.OrderID, "error", err)
		}
	}
}

// pauseFor suspends placements for the server-suggested cooldown.
func (m *Manager) pauseFor(err error) {
	d := defaultPlacementPause
	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) && apiErr.CoolDown > 0 {
		d = apiErr.CoolDown
	}
	m.pauseMu.Lock()
	until := m.now().Add(d)
	if until.After(m.pauseUntil) {
		m.pauseUntil = until
	}
	until = m.pauseUntil
	m.pauseMu.Unlock()
	m.logger.Warn("placements paused", "until", until, "kind", exchange.ErrKind(err))
}

func (m *Manager) pausedUntil() (time.Time, bool) {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	if m.now().Before(m.pauseUntil) {
		return m.pauseUntil, true
	}
	return time.Time{}, false
}

// Paused reports whether placements are currently suspended.
func (m *Manager) Paused() bool {
	_, paused := m.pausedUntil()
	return paused
}
