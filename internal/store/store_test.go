package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bottrader/pkg/types"
)

func TestTickerRoundTrip(t *testing.T) {
	t.Parallel()
	s := New(1)

	if _, ok := s.Ticker("BTC-USD"); ok {
		t.Error("Ticker on empty store: ok = true, want false")
	}

	tick := types.TickerUpdate{ProductID: "BTC-USD", Price: 42000.5}
	s.SetTicker("BTC-USD", tick)

	got, ok := s.Ticker("BTC-USD")
	if !ok {
		t.Fatal("Ticker after Set: ok = false, want true")
	}
	if got.Price != 42000.5 {
		t.Errorf("Price = %v, want 42000.5", got.Price)
	}
}

func TestSpotPositionsSnapshotIsIsolated(t *testing.T) {
	t.Parallel()
	s := New(1)

	s.SetSpotPosition("ETH-USD", types.SpotPosition{Symbol: "ETH-USD", TotalBalance: 1.5})
	snap := s.SpotPositions()
	snap["ETH-USD"] = types.SpotPosition{Symbol: "ETH-USD", TotalBalance: 99}

	got, _ := s.SpotPosition("ETH-USD")
	if got.TotalBalance != 1.5 {
		t.Errorf("TotalBalance = %v, want 1.5 (snapshot mutation leaked)", got.TotalBalance)
	}
}

func TestRemoveSpotPosition(t *testing.T) {
	t.Parallel()
	s := New(1)

	s.SetSpotPosition("SOL-USD", types.SpotPosition{Symbol: "SOL-USD", TotalBalance: 10})
	s.RemoveSpotPosition("SOL-USD")
	if _, ok := s.SpotPosition("SOL-USD"); ok {
		t.Error("SpotPosition after Remove: ok = true, want false")
	}
}

func TestATRCaches(t *testing.T) {
	t.Parallel()
	s := New(1)

	s.SetATR("BTC-USD", 0.012, 504.0)
	pct, ok := s.ATRPct("BTC-USD")
	if !ok || pct != 0.012 {
		t.Errorf("ATRPct = %v/%v, want 0.012/true", pct, ok)
	}
	price, ok := s.ATRPrice("BTC-USD")
	if !ok || price != 504.0 {
		t.Errorf("ATRPrice = %v/%v, want 504/true", price, ok)
	}
}

func TestOrderTracker(t *testing.T) {
	t.Parallel()
	s := New(1)

	info := types.OrderInfo{OrderID: "o1", ProductID: "BTC-USD", Side: types.BUY, Source: types.SourceWebsocket}
	s.TrackOrder("o1", info)

	got, ok := s.Order("o1")
	if !ok || got.ProductID != "BTC-USD" {
		t.Errorf("Order = %+v/%v, want tracked info", got, ok)
	}

	s.UntrackOrder("o1")
	if _, ok := s.Order("o1"); ok {
		t.Error("Order after Untrack: ok = true, want false")
	}
}

func TestExitTrackingAppendOnly(t *testing.T) {
	t.Parallel()
	s := New(1)

	s.AppendExit(types.ExitRecord{Symbol: "BTC-USD", Reason: types.ExitEmergency})
	s.AppendExit(types.ExitRecord{Symbol: "ETH-USD", Reason: types.ExitTakeProfit})

	exits := s.Exits()
	if len(exits) != 2 {
		t.Fatalf("len(Exits) = %d, want 2", len(exits))
	}
	if exits[0].Symbol != "BTC-USD" || exits[1].Symbol != "ETH-USD" {
		t.Errorf("exit order = %s/%s, want BTC-USD/ETH-USD", exits[0].Symbol, exits[1].Symbol)
	}

	// The returned slice is a copy.
	exits[0].Symbol = "XXX"
	if got := s.Exits()[0].Symbol; got != "BTC-USD" {
		t.Errorf("Exits()[0].Symbol = %s after mutating copy, want BTC-USD", got)
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	t.Parallel()
	s := New(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.SetBidAsk("BTC-USD", types.BidAsk{Bid: float64(j), Ask: float64(j) + 1})
				s.BidAsk("BTC-USD")
				s.TrackOrder("o", types.OrderInfo{OrderID: "o"})
				s.Order("o")
			}
		}()
	}
	wg.Wait()

	if _, ok := s.BidAsk("BTC-USD"); !ok {
		t.Error("BidAsk missing after concurrent writes")
	}
}

func TestLimiterBounds(t *testing.T) {
	t.Parallel()
	l := NewLimiter(2)

	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if got := l.InUse(); got != 2 {
		t.Errorf("InUse = %d, want 2", got)
	}

	// Third acquire must block until a release.
	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(blocked); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("third Acquire error = %v, want deadline exceeded", err)
	}

	l.Release()
	if err := l.TryAcquireFor(ctx, time.Second); err != nil {
		t.Errorf("Acquire after Release: %v", err)
	}
}

func TestLimiterDoReleasesSlot(t *testing.T) {
	t.Parallel()
	l := NewLimiter(1)

	ran := false
	err := l.Do(context.Background(), func() error {
		ran = true
		if got := l.InUse(); got != 1 {
			t.Errorf("InUse inside Do = %d, want 1", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Error("Do did not run fn")
	}
	if got := l.InUse(); got != 0 {
		t.Errorf("InUse after Do = %d, want 0", got)
	}
}

func TestLimiterDoPropagatesError(t *testing.T) {
	t.Parallel()
	l := NewLimiter(1)

	want := errors.New("query failed")
	if err := l.Do(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Do error = %v, want %v", err, want)
	}
	if got := l.InUse(); got != 0 {
		t.Errorf("InUse after failed Do = %d, want 0", got)
	}
}

func TestLimiterMinimumCapacity(t *testing.T) {
	t.Parallel()
	l := NewLimiter(0)

	if err := l.Acquire(context.Background()); err != nil {
		t.Errorf("Acquire on zero-capacity limiter: %v, want clamped to 1", err)
	}
	l.Release()
}

func TestOrderByClientID(t *testing.T) {
	t.Parallel()
	s := New(2)
	s.TrackOrder("ex-1", types.OrderInfo{OrderID: "ex-1", ClientOrderID: "c-1", ProductID: "BTC-USD"})
	s.TrackOrder("ex-2", types.OrderInfo{OrderID: "ex-2", ClientOrderID: "c-2", ProductID: "ETH-USD"})

	info, ok := s.OrderByClientID("c-2")
	if !ok || info.OrderID != "ex-2" {
		t.Errorf("OrderByClientID(c-2) = %+v ok=%v, want ex-2", info, ok)
	}
	if _, ok := s.OrderByClientID("c-9"); ok {
		t.Errorf("OrderByClientID(c-9) ok = true, want false")
	}
}

func TestPendingSell(t *testing.T) {
	t.Parallel()
	s := New(2)
	s.TrackOrder("b1", types.OrderInfo{OrderID: "b1", ProductID: "BTC-USD", Side: types.BUY})
	if s.PendingSell("BTC-USD") {
		t.Errorf("PendingSell = true with only a buy tracked")
	}
	s.TrackOrder("s1", types.OrderInfo{OrderID: "s1", ProductID: "BTC-USD", Side: types.SELL})
	if !s.PendingSell("BTC-USD") {
		t.Errorf("PendingSell = false, want true")
	}
	if s.PendingSell("ETH-USD") {
		t.Errorf("PendingSell(ETH-USD) = true, want false")
	}
	s.UntrackOrder("s1")
	if s.PendingSell("BTC-USD") {
		t.Errorf("PendingSell after untrack = true, want false")
	}
}
