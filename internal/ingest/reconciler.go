package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bottrader/internal/config"
	"bottrader/internal/exchange"
	"bottrader/internal/metrics"
	"bottrader/pkg/types"
)

const (
	defaultReconcileLookback = 24 * time.Hour
	sweepOverlap             = time.Minute
	orderStaleAfter          = 2 * time.Minute
)

// HistoryFetcher is the REST history surface of the exchange client: fill
// backfill plus the order lookups the stale-order sweep needs.
type HistoryFetcher interface {
	GetFills(ctx context.Context, productID string, start, end time.Time) ([]exchange.Fill, error)
	GetHistoricalOrdersBatch(ctx context.Context, filter exchange.OrdersFilter) ([]exchange.Order, error)
}

// OrderTracker is the tracked-order surface the stale-order sweep corrects.
type OrderTracker interface {
	TrackedOrders() map[string]types.OrderInfo
	TrackOrder(orderID string, info types.OrderInfo)
	UntrackOrder(orderID string)
}

// Reconciler periodically pages REST history per symbol: fills feed the
// recorder queue so a disconnect never loses ledger rows, and tracked
// orders whose stream updates went missing are re-resolved against order
// history. Record upserts are idempotent, so each fill sweep overlaps the
// previous window by a minute instead of risking a gap.
type Reconciler struct {
	client   HistoryFetcher
	fills    FillSink
	tracker  OrderTracker
	products func() []string
	interval time.Duration
	lookback time.Duration
	logger   *slog.Logger
	now      func() time.Time

	lastSweep map[string]time.Time
}

// NewReconciler builds a reconciler from the ingest config. The first
// sweep per symbol covers the configured lookback window; later sweeps
// resume from the previous checkpoint.
func NewReconciler(cfg config.IngestConfig, client HistoryFetcher, fills FillSink, tracker OrderTracker, products func() []string, logger *slog.Logger) *Reconciler {
	lookback := cfg.ReconcileLookback
	if lookback <= 0 {
		lookback = defaultReconcileLookback
	}
	return &Reconciler{
		client:    client,
		fills:     fills,
		tracker:   tracker,
		products:  products,
		interval:  cfg.ReconcileInterval,
		lookback:  lookback,
		logger:    logger.With("component", "reconciler"),
		now:       time.Now,
		lastSweep: make(map[string]time.Time),
	}
}

// Run sweeps once at startup and then on the configured interval. A
// non-positive interval disables reconciliation.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		r.logger.Info("fill reconciliation disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep fetches fills for every product since its checkpoint. A failed
// symbol keeps its old checkpoint and is retried in full next sweep.
func (r *Reconciler) Sweep(ctx context.Context) {
	end := r.now().UTC()
	for _, symbol := range r.products() {
		if ctx.Err() != nil {
			return
		}
		start, ok := r.lastSweep[symbol]
		if !ok {
			start = end.Add(-r.lookback)
		} else {
			start = start.Add(-sweepOverlap)
		}

		n, err := r.sweepSymbol(ctx, symbol, start, end)
		if err != nil {
			r.logger.Warn("fill sweep failed", "symbol", symbol, "error", err)
			continue
		}
		r.lastSweep[symbol] = end
		if n > 0 {
			metrics.ReconciledFills.WithLabelValues(symbol).Add(float64(n))
			r.logger.Info("reconciled fills", "symbol", symbol, "fills", n)
		}
	}

	r.sweepOrders(ctx)
}

// sweepOrders re-resolves tracked orders that have not seen a stream
// update within the grace period. A terminal status drops the order from
// the tracker; without this, a missed cancellation would leave its
// product's pending-sell gate wedged until restart.
func (r *Reconciler) sweepOrders(ctx context.Context) {
	cutoff := r.now().Add(-orderStaleAfter)
	stale := make(map[string][]types.OrderInfo)
	for _, info := range r.tracker.TrackedOrders() {
		if info.UpdatedAt.After(cutoff) {
			continue
		}
		stale[info.ProductID] = append(stale[info.ProductID], info)
	}

	for product, infos := range stale {
		if ctx.Err() != nil {
			return
		}
		start := infos[0].CreatedAt
		for _, info := range infos[1:] {
			if info.CreatedAt.Before(start) {
				start = info.CreatedAt
			}
		}
		if start.IsZero() {
			start = r.now().Add(-r.lookback)
		}

		orders, err := r.client.GetHistoricalOrdersBatch(ctx, exchange.OrdersFilter{
			ProductID: product,
			Start:     start.Add(-sweepOverlap),
			End:       r.now().UTC(),
		})
		if err != nil {
			r.logger.Warn("order sweep failed", "symbol", product, "error", err)
			continue
		}
		byID := make(map[string]exchange.Order, len(orders))
		for _, ord := range orders {
			byID[ord.OrderID] = ord
		}

		for _, info := range infos {
			ord, ok := byID[info.OrderID]
			if !ok {
				continue
			}
			if terminalStatus(ord.Status) {
				r.tracker.UntrackOrder(info.OrderID)
				metrics.ReconciledOrders.WithLabelValues(product).Inc()
				r.logger.Info("stale order resolved",
					"order_id", info.OrderID, "symbol", product, "status", ord.Status)
				continue
			}
			if ord.Status != info.Status {
				info.Status = ord.Status
				info.UpdatedAt = r.now()
				r.tracker.TrackOrder(info.OrderID, info)
			}
		}
	}
}

func (r *Reconciler) sweepSymbol(ctx context.Context, symbol string, start, end time.Time) (int, error) {
	fills, err := r.client.GetFills(ctx, symbol, start, end)
	if err != nil {
		return 0, err
	}
	for _, fl := range fills {
		ev, err := r.fillEvent(fl)
		if err != nil {
			r.logger.Warn("skipping unparseable fill", "order_id", fl.OrderID, "error", err)
			continue
		}
		r.fills.Enqueue(ev)
	}
	return len(fills), nil
}

// fillEvent maps one REST fill onto the recorder's event shape. Source
// "reconciled" is a placeholder the live stream may later upgrade; the
// "rest" ingest path stamps the reconciliation columns on the record.
func (r *Reconciler) fillEvent(fl exchange.Fill) (types.FillEvent, error) {
	price, err := decimal.NewFromString(fl.Price)
	if err != nil || price.IsZero() {
		return types.FillEvent{}, fmt.Errorf("price %q", fl.Price)
	}
	size, err := decimal.NewFromString(fl.Size)
	if err != nil {
		return types.FillEvent{}, fmt.Errorf("size %q", fl.Size)
	}
	if fl.SizeInQuote {
		size = size.Div(price)
	}

	fees := decimal.Zero
	if fl.Commission != "" {
		if v, err := decimal.NewFromString(fl.Commission); err == nil {
			fees = v
		}
	}

	tradeTime, err := time.Parse(time.RFC3339Nano, fl.TradeTime)
	if err != nil {
		tradeTime = r.now()
	}

	return types.FillEvent{
		OrderID:      fl.OrderID,
		Symbol:       fl.ProductID,
		Side:         types.Side(strings.ToUpper(fl.Side)),
		OrderTime:    tradeTime,
		Price:        price,
		Size:         size,
		TotalFeesUSD: fees,
		Status:       "FILLED",
		Source:       "reconciled",
		IngestVia:    "rest",
	}, nil
}
