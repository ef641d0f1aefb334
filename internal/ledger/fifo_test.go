package ledger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func trade(id, side, size, price, fees string, at time.Time) TradeRecord {
	return TradeRecord{
		OrderID:   id,
		Symbol:    "BTC-USD",
		Side:      side,
		Size:      dec(size),
		Price:     dec(price),
		Fees:      dec(fees),
		OrderTime: at,
		Status:    "FILLED",
		Source:    "websocket",
	}
}

func wantDec(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestAllocateSingleRoundTrip(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(2 * time.Hour)
	buys := []TradeRecord{trade("b-1", "BUY", "0.01", "40000", "0.40", t1)}
	sells := []TradeRecord{trade("s-1", "SELL", "0.01", "41000", "0.41", t2)}

	res := allocate(1, "BTC-USD", buys, sells, t2)

	if len(res.allocations) != 1 {
		t.Fatalf("allocations = %d, want 1", len(res.allocations))
	}
	a := res.allocations[0]
	if a.SellOrderID != "s-1" || a.BuyOrderID.String != "b-1" || !a.BuyOrderID.Valid {
		t.Errorf("allocation pair = %q/%v, want s-1/b-1", a.SellOrderID, a.BuyOrderID)
	}
	wantDec(t, "AllocatedSize", a.AllocatedSize, dec("0.01"))
	wantDec(t, "CostBasisUSD", a.CostBasisUSD, dec("400.40"))
	wantDec(t, "ProceedsUSD", a.ProceedsUSD, dec("410"))
	wantDec(t, "NetProceedsUSD", a.NetProceedsUSD, dec("409.59"))
	wantDec(t, "PnlUSD", a.PnlUSD, dec("9.19"))
	if !a.SellTime.Equal(t2) || !a.BuyTime.Valid || !a.BuyTime.Time.Equal(t1) {
		t.Errorf("allocation times = %v/%v, want %v/%v", a.SellTime, a.BuyTime.Time, t2, t1)
	}

	if len(res.sells) != 1 {
		t.Fatalf("finalized sells = %d, want 1", len(res.sells))
	}
	s := res.sells[0]
	if s.ParentID != "b-1" || len(s.ParentIDs) != 1 || s.ParentIDs[0] != "b-1" {
		t.Errorf("parents = %q %v, want b-1 [b-1]", s.ParentID, s.ParentIDs)
	}
	wantDec(t, "sell CostBasisUSD", s.CostBasisUSD, dec("400.40"))
	wantDec(t, "sell SaleProceedsUSD", s.SaleProceedsUSD, dec("410"))
	wantDec(t, "sell NetSaleProceedsUSD", s.NetSaleProceedsUSD, dec("409.59"))
	wantDec(t, "sell PnlUSD", s.PnlUSD, dec("9.19"))

	if len(res.remaining) != 1 {
		t.Fatalf("remaining entries = %d, want 1", len(res.remaining))
	}
	if !res.remaining[0].Remaining.IsZero() {
		t.Errorf("buy remaining = %v, want 0", res.remaining[0].Remaining)
	}
	if res.uncovered != 0 {
		t.Errorf("uncovered = %d, want 0", res.uncovered)
	}
}

func TestAllocateSellSpansTwoBuys(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	buys := []TradeRecord{
		trade("b-1", "BUY", "0.01", "40000", "0.40", t1),
		trade("b-2", "BUY", "0.01", "42000", "0.42", t1.Add(time.Hour)),
	}
	sells := []TradeRecord{trade("s-1", "SELL", "0.015", "43000", "0.645", t1.Add(3*time.Hour))}

	res := allocate(1, "BTC-USD", buys, sells, t1.Add(4*time.Hour))

	if len(res.allocations) != 2 {
		t.Fatalf("allocations = %d, want 2", len(res.allocations))
	}
	first, second := res.allocations[0], res.allocations[1]

	if first.BuyOrderID.String != "b-1" {
		t.Errorf("first slice buy = %q, want b-1", first.BuyOrderID.String)
	}
	wantDec(t, "first AllocatedSize", first.AllocatedSize, dec("0.01"))
	wantDec(t, "first CostBasisUSD", first.CostBasisUSD, dec("400.40"))
	wantDec(t, "first ProceedsUSD", first.ProceedsUSD, dec("430"))
	wantDec(t, "first NetProceedsUSD", first.NetProceedsUSD, dec("429.57"))
	wantDec(t, "first PnlUSD", first.PnlUSD, dec("29.17"))

	if second.BuyOrderID.String != "b-2" {
		t.Errorf("second slice buy = %q, want b-2", second.BuyOrderID.String)
	}
	wantDec(t, "second AllocatedSize", second.AllocatedSize, dec("0.005"))
	wantDec(t, "second CostBasisUSD", second.CostBasisUSD, dec("210.21"))
	wantDec(t, "second ProceedsUSD", second.ProceedsUSD, dec("215"))
	wantDec(t, "second NetProceedsUSD", second.NetProceedsUSD, dec("214.785"))
	wantDec(t, "second PnlUSD", second.PnlUSD, dec("4.575"))

	if len(res.sells) != 1 {
		t.Fatalf("finalized sells = %d, want 1", len(res.sells))
	}
	s := res.sells[0]
	if s.ParentID != "b-1" || strings.Join(s.ParentIDs, ",") != "b-1,b-2" {
		t.Errorf("parents = %q %v, want b-1 [b-1 b-2]", s.ParentID, s.ParentIDs)
	}
	wantDec(t, "sell CostBasisUSD", s.CostBasisUSD, dec("610.61"))
	wantDec(t, "sell SaleProceedsUSD", s.SaleProceedsUSD, dec("645"))
	wantDec(t, "sell NetSaleProceedsUSD", s.NetSaleProceedsUSD, dec("644.355"))
	wantDec(t, "sell PnlUSD", s.PnlUSD, dec("33.745"))

	wantDec(t, "b-1 remaining", res.remaining[0].Remaining, decimal.Zero)
	wantDec(t, "b-2 remaining", res.remaining[1].Remaining, dec("0.005"))
}

func TestAllocateUncoveredResidue(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	buys := []TradeRecord{trade("b-1", "BUY", "0.01", "40000", "0.40", t1)}
	sells := []TradeRecord{trade("s-1", "SELL", "0.015", "43000", "0.645", t1.Add(time.Hour))}

	res := allocate(1, "BTC-USD", buys, sells, t1.Add(2*time.Hour))

	if len(res.allocations) != 2 {
		t.Fatalf("allocations = %d, want 2", len(res.allocations))
	}
	covered, residue := res.allocations[0], res.allocations[1]
	if covered.BuyOrderID.String != "b-1" {
		t.Errorf("covered slice buy = %q, want b-1", covered.BuyOrderID.String)
	}
	wantDec(t, "covered AllocatedSize", covered.AllocatedSize, dec("0.01"))

	if residue.BuyOrderID.Valid {
		t.Errorf("residue buy id = %q, want NULL", residue.BuyOrderID.String)
	}
	wantDec(t, "residue AllocatedSize", residue.AllocatedSize, dec("0.005"))
	if !residue.CostBasisUSD.IsZero() || !residue.PnlUSD.IsZero() {
		t.Errorf("residue carries aggregates: cost %v pnl %v", residue.CostBasisUSD, residue.PnlUSD)
	}
	if residue.SellOrderID != "s-1" {
		t.Errorf("residue sell id = %q, want s-1", residue.SellOrderID)
	}

	if len(res.sells) != 0 {
		t.Errorf("finalized sells = %d, want 0 for a partially covered sell", len(res.sells))
	}
	if res.uncovered != 1 {
		t.Errorf("uncovered = %d, want 1", res.uncovered)
	}
	if !res.remaining[0].Remaining.IsZero() {
		t.Errorf("buy remaining = %v, want 0", res.remaining[0].Remaining)
	}
}

func TestAllocateSecondSellResumesPartialBuy(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	buys := []TradeRecord{
		trade("b-1", "BUY", "0.01", "40000", "0", t1),
		trade("b-2", "BUY", "0.01", "42000", "0", t1.Add(time.Hour)),
	}
	sells := []TradeRecord{
		trade("s-1", "SELL", "0.005", "41000", "0", t1.Add(2*time.Hour)),
		trade("s-2", "SELL", "0.01", "43000", "0", t1.Add(3*time.Hour)),
	}

	res := allocate(1, "BTC-USD", buys, sells, t1.Add(4*time.Hour))

	if len(res.allocations) != 3 {
		t.Fatalf("allocations = %d, want 3", len(res.allocations))
	}
	if got := res.allocations[0].BuyOrderID.String; got != "b-1" {
		t.Errorf("s-1 slice buy = %q, want b-1", got)
	}
	if got := res.allocations[1].BuyOrderID.String; got != "b-1" {
		t.Errorf("s-2 first slice buy = %q, want b-1", got)
	}
	if got := res.allocations[2].BuyOrderID.String; got != "b-2" {
		t.Errorf("s-2 second slice buy = %q, want b-2", got)
	}
	wantDec(t, "s-2 first slice size", res.allocations[1].AllocatedSize, dec("0.005"))
	wantDec(t, "s-2 first slice cost", res.allocations[1].CostBasisUSD, dec("200"))
	wantDec(t, "s-2 second slice cost", res.allocations[2].CostBasisUSD, dec("210"))

	for _, s := range res.sells {
		var consumed decimal.Decimal
		for _, a := range res.allocations {
			if a.SellOrderID == s.OrderID {
				consumed = consumed.Add(a.AllocatedSize)
			}
		}
		switch s.OrderID {
		case "s-1":
			wantDec(t, "s-1 consumed", consumed, dec("0.005"))
		case "s-2":
			wantDec(t, "s-2 consumed", consumed, dec("0.01"))
		}
	}

	wantDec(t, "b-1 remaining", res.remaining[0].Remaining, decimal.Zero)
	wantDec(t, "b-2 remaining", res.remaining[1].Remaining, dec("0.005"))
}

func TestAllocateDeterministic(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	buys := []TradeRecord{
		trade("b-1", "BUY", "0.01", "40000", "0.40", t1),
		trade("b-2", "BUY", "0.01", "42000", "0.42", t1.Add(time.Hour)),
	}
	sells := []TradeRecord{trade("s-1", "SELL", "0.015", "43000", "0.645", t1.Add(2*time.Hour))}
	runAt := t1.Add(3 * time.Hour)

	first := allocate(1, "BTC-USD", buys, sells, runAt)
	second := allocate(1, "BTC-USD", buys, sells, runAt)

	if len(first.allocations) != len(second.allocations) {
		t.Fatalf("allocation counts differ: %d vs %d", len(first.allocations), len(second.allocations))
	}
	for i := range first.allocations {
		a, b := first.allocations[i], second.allocations[i]
		if a.SellOrderID != b.SellOrderID || a.BuyOrderID != b.BuyOrderID ||
			!a.AllocatedSize.Equal(b.AllocatedSize) || !a.PnlUSD.Equal(b.PnlUSD) {
			t.Errorf("allocation %d differs between runs: %+v vs %+v", i, a, b)
		}
	}
	for i := range first.remaining {
		if !first.remaining[i].Remaining.Equal(second.remaining[i].Remaining) {
			t.Errorf("remaining %q differs between runs", first.remaining[i].OrderID)
		}
	}
}

func TestAllocateEmptyHistory(t *testing.T) {
	t.Parallel()

	res := allocate(1, "BTC-USD", nil, nil, time.Now().UTC())
	if len(res.allocations) != 0 || len(res.sells) != 0 || len(res.remaining) != 0 || res.uncovered != 0 {
		t.Errorf("empty history produced work: %+v", res)
	}
}

type fakeFifoStore struct {
	buys    []TradeRecord
	sells   []TradeRecord
	replays int
	lastRes replayResult
	lastLog ComputationLog
	err     error
}

func (f *fakeFifoStore) FilledBuys(_ context.Context, _ string) ([]TradeRecord, error) {
	return f.buys, nil
}

func (f *fakeFifoStore) FilledSells(_ context.Context, _ string) ([]TradeRecord, error) {
	return f.sells, nil
}

func (f *fakeFifoStore) ReplayFifo(_ context.Context, _ int64, _ string, res replayResult, logRow ComputationLog) error {
	f.replays++
	f.lastRes = res
	f.lastLog = logRow
	return f.err
}

func TestEngineReplay(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	fake := &fakeFifoStore{
		buys:  []TradeRecord{trade("b-1", "BUY", "0.01", "40000", "0.40", t1)},
		sells: []TradeRecord{trade("s-1", "SELL", "0.01", "41000", "0.41", t1.Add(time.Hour))},
	}
	eng := NewFifoEngine(fake, 3, testLogger())

	sum, err := eng.Replay(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if fake.replays != 1 {
		t.Fatalf("replays = %d, want 1", fake.replays)
	}
	want := ReplaySummary{Symbol: "BTC-USD", Buys: 1, Sells: 1, Allocations: 1}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}
	if fake.lastLog.Version != 3 || fake.lastLog.Allocations != 1 || fake.lastLog.Note != "" {
		t.Errorf("log row = %+v, want version 3, 1 allocation, empty note", fake.lastLog)
	}
	if got := fake.lastRes.allocations[0].Version; got != 3 {
		t.Errorf("allocation version = %d, want 3", got)
	}
}

func TestEngineReplayFlagsUncovered(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	fake := &fakeFifoStore{
		sells: []TradeRecord{trade("s-1", "SELL", "0.01", "41000", "0.41", t1)},
	}
	eng := NewFifoEngine(fake, 1, testLogger())

	sum, err := eng.Replay(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if sum.Uncovered != 1 {
		t.Errorf("uncovered = %d, want 1", sum.Uncovered)
	}
	if fake.lastLog.Note == "" {
		t.Error("log note empty, want manual review marker")
	}
}

func TestEngineReplayPropagatesStoreError(t *testing.T) {
	t.Parallel()

	fake := &fakeFifoStore{err: errors.New("db down")}
	eng := NewFifoEngine(fake, 1, testLogger())

	if _, err := eng.Replay(context.Background(), "BTC-USD"); err == nil {
		t.Error("Replay() error = nil, want store error")
	}
}
