// Package store holds the process-wide shared state: live market data on one
// side, order management state on the other.
//
// Each top-level group has its own RWMutex so readers of market data never
// contend with order bookkeeping. Writers are few and known (the ingestion
// orchestrator updates market data, the order manager and trade recorder
// update order state); everything else reads.
//
// The store also owns the database concurrency limiter. Every component that
// talks to the database acquires a slot first so a burst of callers cannot
// exhaust the pool.
package store

import (
	"context"
	"sync"
	"time"

	"bottrader/pkg/types"
)

// Store is the shared state container.
type Store struct {
	// market_data group.
	mdMu           sync.RWMutex
	tickerCache    map[string]types.TickerUpdate
	usdPairsCache  map[string]types.PairStats
	bidAskSpread   map[string]types.BidAsk
	spotPositions  map[string]types.SpotPosition
	atrPctCache    map[string]float64
	atrPriceCache  map[string]float64
	buySellMatrix  map[string]types.SignalResult
	avgQuoteVolume map[string]float64

	// order_management group.
	omMu          sync.RWMutex
	orderTracker  map[string]types.OrderInfo
	bracketOrders map[string]types.BracketOrder
	exitTracking  []types.ExitRecord

	db *Limiter
}

// New creates an empty store with a database limiter of the given capacity.
func New(dbLimit int) *Store {
	return &Store{
		tickerCache:    make(map[string]types.TickerUpdate),
		usdPairsCache:  make(map[string]types.PairStats),
		bidAskSpread:   make(map[string]types.BidAsk),
		spotPositions:  make(map[string]types.SpotPosition),
		atrPctCache:    make(map[string]float64),
		atrPriceCache:  make(map[string]float64),
		buySellMatrix:  make(map[string]types.SignalResult),
		avgQuoteVolume: make(map[string]float64),
		orderTracker:   make(map[string]types.OrderInfo),
		bracketOrders:  make(map[string]types.BracketOrder),
		db:             NewLimiter(dbLimit),
	}
}

// DB returns the database concurrency limiter.
func (s *Store) DB() *Limiter {
	return s.db
}

// ---------------------------------------------------------------------------
// market_data
// ---------------------------------------------------------------------------

// SetTicker records the latest tick for a symbol.
func (s *Store) SetTicker(symbol string, t types.TickerUpdate) {
	s.mdMu.Lock()
	s.tickerCache[symbol] = t
	s.mdMu.Unlock()
}

// Ticker returns the latest tick for a symbol.
func (s *Store) Ticker(symbol string) (types.TickerUpdate, bool) {
	s.mdMu.RLock()
	defer s.mdMu.RUnlock()
	t, ok := s.tickerCache[symbol]
	return t, ok
}

// SetPairStats records 24h stats for a USD pair.
func (s *Store) SetPairStats(symbol string, p types.PairStats) {
	s.mdMu.Lock()
	s.usdPairsCache[symbol] = p
	s.mdMu.Unlock()
}

// PairStats returns 24h stats for a USD pair.
func (s *Store) PairStats(symbol string) (types.PairStats, bool) {
	s.mdMu.RLock()
	defer s.mdMu.RUnlock()
	p, ok := s.usdPairsCache[symbol]
	return p, ok
}

// USDPairs returns a snapshot of all cached USD pair stats.
func (s *Store) USDPairs() map[string]types.PairStats {
	s.mdMu.RLock()
	defer s.mdMu.RUnlock()
	out := make(map[string]types.PairStats, len(s.usdPairsCache))
	for k, v := range s.usdPairsCache {
		out[k] = v
	}
	return out
}

// SetBidAsk records the current top of book for a symbol.
func (s *Store) SetBidAsk(symbol string, ba types.BidAsk) {
	s.mdMu.Lock()
	s.bidAskSpread[symbol] = ba
	s.mdMu.Unlock()
}

// BidAsk returns the current top of book for a symbol.
func (s *Store) BidAsk(symbol string) (types.BidAsk, bool) {
	s.mdMu.RLock()
	defer s.mdMu.RUnlock()
	ba, ok := s.bidAskSpread[symbol]
	return ba, ok
}

// SetSpotPosition records a live position.
func (s *Store) SetSpotPosition(symbol string, p types.SpotPosition) {
	s.mdMu.Lock()
	s.spotPositions[symbol] = p
	s.mdMu.Unlock()
}

// RemoveSpotPosition drops a closed position.
func (s *Store) RemoveSpotPosition(symbol string) {
	s.mdMu.Lock()
	delete(s.spotPositions, symbol)
	s.mdMu.Unlock()
}

// SpotPosition returns one live position.
func (s *Store) SpotPosition(symbol string) (types.SpotPosition, bool) {
	s.mdMu.RLock()
	defer s.mdMu.RUnlock()
	p, ok := s.spotPositions[symbol]
	return p, ok
}

// SpotPositions returns a snapshot of all live positions.
func (s *Store) SpotPositions() map[string]types.SpotPosition {
	s.mdMu.RLock()
	defer s.mdMu.RUnlock()
	out := make(map[string]types.SpotPosition, len(s.spotPositions))
	for k, v := range s.spotPositions {
		out[k] = v
	}
	return out
}

// SetATR records the latest ATR as a fraction of price and in price units.
func (s *Store) SetATR(symbol string, atrPct, atrPrice float64) {
	s.mdMu.Lock()
	s.atrPctCache[symbol] = atrPct
	s.atrPriceCache[symbol] = atrPrice
	s.mdMu.Unlock()
}

// ATRPct returns the cached ATR fraction for a symbol.
func (s *Store) ATRPct(symbol string) (float64, bool) {
	s.mdMu.RLock()
	defer s.mdMu.RUnlock()
	v, ok := s.atrPctCache[symbol]
	return v, ok
}

// ATRPrice returns the cached ATR in price units for a symbol.
func (s *Store) ATRPrice(symbol string) (float64, bool) {
	s.mdMu.RLock()
	defer s.mdMu.RUnlock()
	v, ok := s.atrPriceCache[symbol]
	return v, ok
}

// SetSignal records the most recent signal evaluation for a symbol.
func (s *Store) SetSignal(symbol string, r types.SignalResult) {
	s.mdMu.Lock()
	s.buySellMatrix[symbol] = r
	s.mdMu.Unlock()
}

// LastSignal returns the most recent signal evaluation for a symbol.
func (s *Store) LastSignal(symbol string) (types.SignalResult, bool) {
	s.mdMu.RLock()
	defer s.mdMu.RUnlock()
	r, ok := s.buySellMatrix[symbol]
	return r, ok
}

// SetAvgQuoteVolume records the rolling average quote volume for a symbol.
func (s *Store) SetAvgQuoteVolume(symbol string, v float64) {
	s.mdMu.Lock()
	s.avgQuoteVolume[symbol] = v
	s.mdMu.Unlock()
}

// AvgQuoteVolume returns the rolling average quote volume for a symbol.
func (s *Store) AvgQuoteVolume(symbol string) (float64, bool) {
	s.mdMu.RLock()
	defer s.mdMu.RUnlock()
	v, ok := s.avgQuoteVolume[symbol]
	return v, ok
}

// ---------------------------------------------------------------------------
// order_management
// ---------------------------------------------------------------------------

// TrackOrder registers a placed order so fills can be attributed to it.
func (s *Store) TrackOrder(orderID string, info types.OrderInfo) {
	s.omMu.Lock()
	s.orderTracker[orderID] = info
	s.omMu.Unlock()
}

// Order returns tracked order info.
func (s *Store) Order(orderID string) (types.OrderInfo, bool) {
	s.omMu.RLock()
	defer s.omMu.RUnlock()
	info, ok := s.orderTracker[orderID]
	return info, ok
}

// OrderByClientID finds a tracked order by its client-generated id. Used to
// make placement retries idempotent.
func (s *Store) OrderByClientID(clientID string) (types.OrderInfo, bool) {
	s.omMu.RLock()
	defer s.omMu.RUnlock()
	for _, info := range s.orderTracker {
		if info.ClientOrderID == clientID {
			return info, true
		}
	}
	return types.OrderInfo{}, false
}

// PendingSell reports whether an unfinished sell is tracked for the product.
func (s *Store) PendingSell(productID string) bool {
	s.omMu.RLock()
	defer s.omMu.RUnlock()
	for _, info := range s.orderTracker {
		if info.ProductID == productID && info.Side == types.SELL {
			return true
		}
	}
	return false
}

// UntrackOrder forgets a finished order.
func (s *Store) UntrackOrder(orderID string) {
	s.omMu.Lock()
	delete(s.orderTracker, orderID)
	s.omMu.Unlock()
}

// TrackedOrders returns a snapshot of all tracked orders.
func (s *Store) TrackedOrders() map[string]types.OrderInfo {
	s.omMu.RLock()
	defer s.omMu.RUnlock()
	out := make(map[string]types.OrderInfo, len(s.orderTracker))
	for k, v := range s.orderTracker {
		out[k] = v
	}
	return out
}

// SetBracket records the exchange-side bracket protecting a position.
func (s *Store) SetBracket(productID string, b types.BracketOrder) {
	s.omMu.Lock()
	s.bracketOrders[productID] = b
	s.omMu.Unlock()
}

// Bracket returns the bracket protecting a position, if any.
func (s *Store) Bracket(productID string) (types.BracketOrder, bool) {
	s.omMu.RLock()
	defer s.omMu.RUnlock()
	b, ok := s.bracketOrders[productID]
	return b, ok
}

// RemoveBracket drops a cancelled or consumed bracket.
func (s *Store) RemoveBracket(productID string) {
	s.omMu.Lock()
	delete(s.bracketOrders, productID)
	s.omMu.Unlock()
}

// AppendExit records a position exit. The exit list is append-only.
func (s *Store) AppendExit(e types.ExitRecord) {
	s.omMu.Lock()
	s.exitTracking = append(s.exitTracking, e)
	s.omMu.Unlock()
}

// Exits returns a copy of the exit history.
func (s *Store) Exits() []types.ExitRecord {
	s.omMu.RLock()
	defer s.omMu.RUnlock()
	out := make([]types.ExitRecord, len(s.exitTracking))
	copy(out, s.exitTracking)
	return out
}

// ---------------------------------------------------------------------------
// database limiter
// ---------------------------------------------------------------------------

// Limiter bounds concurrent database access with a semaphore.
type Limiter struct {
	slots chan struct{}
}

// NewLimiter creates a limiter with the given capacity (minimum 1).
func NewLimiter(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	<-l.slots
}

// Do runs fn while holding a slot.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// InUse reports how many slots are currently held.
func (l *Limiter) InUse() int {
	return len(l.slots)
}

// TryAcquireFor is Acquire with a deadline, for callers that prefer failing
// fast over queueing behind a long burst.
func (l *Limiter) TryAcquireFor(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return l.Acquire(ctx)
}
