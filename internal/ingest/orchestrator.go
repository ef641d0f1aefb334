package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bottrader/internal/config"
	"bottrader/internal/store"
	"bottrader/pkg/types"
)

// BarSink folds ticks into the in-progress bar of a symbol and returns the
// completed bar when the tick opens a new interval.
type BarSink interface {
	ApplyTick(symbol string, tick types.TickerUpdate) (types.Bar, bool)
}

// FillSink accepts fill events for durable recording.
type FillSink interface {
	Enqueue(fill types.FillEvent)
}

// Orchestrator owns the market and user streams and routes their frames:
// tickers into the store and bar builder, order updates into the tracker,
// fills into the recorder queue.
type Orchestrator struct {
	market *Stream
	user   *Stream

	store      *store.Store
	bars       BarSink
	fills      FillSink
	onBarClose func(symbol string, bar types.Bar)
	logger     *slog.Logger
	now        func() time.Time
}

// NewOrchestrator wires both streams. products supplies the product ids to
// subscribe, re-evaluated on every reconnect; onBarClose fires after a
// symbol's bar completes and may be nil.
func NewOrchestrator(cfg config.IngestConfig, ex config.ExchangeConfig, client Socket, st *store.Store, bars BarSink, fills FillSink, products func() []string, onBarClose func(symbol string, bar types.Bar), logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		bars:       bars,
		fills:      fills,
		onBarClose: onBarClose,
		logger:     logger.With("component", "ingest"),
		now:        time.Now,
	}
	o.market = NewStream(StreamConfig{
		Name:     "market",
		URL:      ex.WSMarketURL,
		Channels: []string{"ticker_batch", "heartbeats"},
	}, client, products, o.handleMarket, cfg, logger)
	o.user = NewStream(StreamConfig{
		Name:     "user",
		URL:      ex.WSUserURL,
		Channels: []string{"user", "heartbeats"},
		Private:  true,
	}, client, products, o.handleUser, cfg, logger)
	return o
}

// MarketStream exposes the market stream for health reporting.
func (o *Orchestrator) MarketStream() *Stream { return o.market }

// UserStream exposes the user stream for health reporting.
func (o *Orchestrator) UserStream() *Stream { return o.user }

// Resubscribe reissues both streams' subscriptions with the current product
// set after the traded universe changes. A failed write is only logged: the
// session notices the broken connection itself and reconnects with fresh
// subscriptions.
func (o *Orchestrator) Resubscribe() {
	for _, s := range []*Stream{o.market, o.user} {
		if err := s.Resubscribe(); err != nil {
			o.logger.Warn("resubscribe failed, stream will reconnect",
				"stream", s.Name(), "error", err)
		}
	}
}

// Run drives both streams until the context ends or either stream exhausts
// its reconnect budget; one stream's death stops both.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	for _, s := range []*Stream{o.market, o.user} {
		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s stream: %w", s.Name(), err)
				cancel()
			}
		}(s)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

func (o *Orchestrator) handleMarket(msg *types.WSMessage) error {
	switch msg.Channel {
	case "ticker", "ticker_batch":
		for i := range msg.Events {
			for _, tk := range msg.Events[i].Tickers {
				o.applyTicker(tk, msg.Timestamp)
			}
		}
	case "heartbeats":
	case "subscriptions":
		o.logger.Debug("market subscriptions confirmed", "channels", subscriptionNames(msg))
	case "error":
		return o.frameError(msg)
	default:
		o.logger.Debug("unhandled market frame", "channel", msg.Channel)
	}
	return nil
}

func (o *Orchestrator) handleUser(msg *types.WSMessage) error {
	switch msg.Channel {
	case "user":
		// Fills before order updates: a fill arriving in the same frame as
		// its terminal order update must still see the tracked order.
		for i := range msg.Events {
			for _, fl := range msg.Events[i].Fills {
				o.applyFill(fl)
			}
		}
		for i := range msg.Events {
			for _, ou := range msg.Events[i].Orders {
				o.applyOrderUpdate(ou)
			}
		}
	case "heartbeats":
	case "subscriptions":
		o.logger.Debug("user subscriptions confirmed", "channels", subscriptionNames(msg))
	case "error":
		return o.frameError(msg)
	default:
		o.logger.Debug("unhandled user frame", "channel", msg.Channel)
	}
	return nil
}

// applyTicker refreshes every market-data cache a tick feeds: the ticker
// cache, the USD-pair stats, the bid/ask spread (only when both sides are
// present), and the in-progress bar.
func (o *Orchestrator) applyTicker(tk types.WSTicker, at time.Time) {
	price, err := strconv.ParseFloat(tk.Price, 64)
	if err != nil || price <= 0 {
		o.logger.Debug("skipping ticker with unusable price", "symbol", tk.ProductID, "price", tk.Price)
		return
	}
	if at.IsZero() {
		at = o.now()
	}

	tick := types.TickerUpdate{
		ProductID:          tk.ProductID,
		Price:              price,
		Bid:                parseFloat(tk.BestBid),
		Ask:                parseFloat(tk.BestAsk),
		Volume24H:          parseFloat(tk.Volume24H),
		PricePercentChg24H: parseFloat(tk.PricePercentChg24H),
		Time:               at,
	}
	o.store.SetTicker(tk.ProductID, tick)
	o.store.SetPairStats(tk.ProductID, types.PairStats{
		Price:              tick.Price,
		Volume24H:          tick.Volume24H,
		PricePercentChg24H: tick.PricePercentChg24H,
		UpdatedAt:          at,
	})
	if tick.Bid > 0 && tick.Ask > 0 {
		o.store.SetBidAsk(tk.ProductID, types.BidAsk{Bid: tick.Bid, Ask: tick.Ask})
	}

	if bar, closed := o.bars.ApplyTick(tk.ProductID, tick); closed && o.onBarClose != nil {
		o.onBarClose(tk.ProductID, bar)
	}
}

// applyOrderUpdate advances a tracked order's status. Terminal statuses
// drop the order from the tracker; updates for orders placed outside this
// process are ignored.
func (o *Orchestrator) applyOrderUpdate(ou types.WSUserOrder) {
	info, ok := o.store.Order(ou.OrderID)
	if !ok && ou.ClientOrderID != "" {
		info, ok = o.store.OrderByClientID(ou.ClientOrderID)
	}
	if !ok {
		o.logger.Debug("order update for untracked order",
			"order_id", ou.OrderID, "status", ou.Status)
		return
	}

	if terminalStatus(ou.Status) {
		o.store.UntrackOrder(info.OrderID)
		o.logger.Info("order reached terminal status",
			"order_id", info.OrderID, "symbol", info.ProductID,
			"side", info.Side, "status", ou.Status)
		return
	}

	info.Status = ou.Status
	info.UpdatedAt = o.now()
	o.store.TrackOrder(info.OrderID, info)
}

// applyFill converts one user-channel fill into a recorder event. Source,
// order type, and trigger are inherited from the tracked order when the
// order is ours; fills for unknown orders are recorded with source
// "unknown" and left for reconciliation to refine.
func (o *Orchestrator) applyFill(fl types.WSUserFill) {
	price, err := decimal.NewFromString(fl.Price)
	if err != nil || price.IsZero() {
		o.logger.Warn("dropping fill with unusable price",
			"order_id", fl.OrderID, "price", fl.Price)
		return
	}
	size, err := decimal.NewFromString(fl.Size)
	if err != nil {
		o.logger.Warn("dropping fill with unusable size",
			"order_id", fl.OrderID, "size", fl.Size)
		return
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
		tradeTime = o.now()
	}

	source := "unknown"
	var trigger types.Trigger
	var orderType types.OrderType
	if info, ok := o.store.Order(fl.OrderID); ok {
		source = string(info.Source)
		trigger = info.Trigger
		orderType = info.Type
	}

	o.fills.Enqueue(types.FillEvent{
		OrderID:      fl.OrderID,
		Symbol:       fl.ProductID,
		Side:         types.Side(strings.ToUpper(fl.Side)),
		OrderTime:    tradeTime,
		Price:        price,
		Size:         size,
		TotalFeesUSD: fees,
		Trigger:      trigger,
		OrderType:    orderType,
		Status:       "FILLED",
		Source:       source,
		IngestVia:    "websocket",
	})
}

// frameError turns an error-channel frame into a session error so the
// stream tears down and reconnects with fresh subscriptions.
func (o *Orchestrator) frameError(msg *types.WSMessage) error {
	for i := range msg.Events {
		if m := msg.Events[i].Message; m != "" {
			o.logger.Error("exchange stream error", "message", m)
			return fmt.Errorf("exchange stream error: %s", m)
		}
	}
	return errors.New("exchange stream error")
}

func terminalStatus(status string) bool {
	switch status {
	case "FILLED", "CANCELLED", "EXPIRED", "FAILED":
		return true
	}
	return false
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func subscriptionNames(msg *types.WSMessage) []string {
	var names []string
	for i := range msg.Events {
		for ch := range msg.Events[i].Subscriptions {
			names = append(names, ch)
		}
	}
	sort.Strings(names)
	return names
}
