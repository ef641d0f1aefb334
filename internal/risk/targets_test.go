package risk

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"bottrader/internal/config"
	"bottrader/internal/store"
	"bottrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{TpATRMult: 3.0, StopATRMult: 1.5, MinRR: 1.2}
}

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{TakeProfit: 0.04, StopLoss: 0.02, TakerFee: 0.005}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDeriveFloorsWithoutATR(t *testing.T) {
	t.Parallel()
	st := store.New(2)
	m := NewManager(testRiskConfig(), testTradingConfig(), st, "", testLogger())

	got := m.Derive("BTC-USD")
	if got.TpPct != 0.04 {
		t.Errorf("TpPct = %v, want floor 0.04", got.TpPct)
	}
	if got.StopPct != 0.02 {
		t.Errorf("StopPct = %v, want floor 0.02", got.StopPct)
	}
	if got.RR != 2.0 {
		t.Errorf("RR = %v, want 2", got.RR)
	}
	if got.ATRPct != 0 || got.CushionSpread != 0 {
		t.Errorf("cushions = %+v, want zero ATR and spread", got)
	}
	if got.CushionFee != 0.01 {
		t.Errorf("CushionFee = %v, want 0.01", got.CushionFee)
	}
}

func TestDeriveScalesWithATR(t *testing.T) {
	t.Parallel()
	st := store.New(2)
	st.SetATR("BTC-USD", 0.02, 800)
	st.SetBidAsk("BTC-USD", types.BidAsk{Bid: 39900, Ask: 40100})
	m := NewManager(testRiskConfig(), testTradingConfig(), st, "", testLogger())

	got := m.Derive("BTC-USD")

	wantSpread := (40100.0 - 39900.0) / 40000.0
	if !almostEqual(got.CushionSpread, wantSpread) {
		t.Errorf("CushionSpread = %v, want %v", got.CushionSpread, wantSpread)
	}
	wantStop := 0.02 * 1.5
	if !almostEqual(got.StopPct, wantStop) {
		t.Errorf("StopPct = %v, want %v", got.StopPct, wantStop)
	}
	wantTp := 0.02*3.0 + wantSpread + 0.01
	if !almostEqual(got.TpPct, wantTp) {
		t.Errorf("TpPct = %v, want %v", got.TpPct, wantTp)
	}
	if !almostEqual(got.RR, wantTp/wantStop) {
		t.Errorf("RR = %v, want %v", got.RR, wantTp/wantStop)
	}
	if got.ATRPct != 0.02 {
		t.Errorf("ATRPct = %v, want 0.02", got.ATRPct)
	}
}

func TestDeriveMinRRRaisesTakeProfit(t *testing.T) {
	t.Parallel()
	st := store.New(2)
	trading := config.TradingConfig{TakeProfit: 0.02, StopLoss: 0.03, TakerFee: 0}
	m := NewManager(testRiskConfig(), trading, st, "", testLogger())

	got := m.Derive("ETH-USD")
	if got.RR != 1.2 {
		t.Errorf("RR = %v, want MinRR 1.2", got.RR)
	}
	if !almostEqual(got.TpPct, 0.03*1.2) {
		t.Errorf("TpPct = %v, want %v", got.TpPct, 0.03*1.2)
	}
	if got.StopPct != 0.03 {
		t.Errorf("StopPct = %v, want 0.03", got.StopPct)
	}
}

func TestTargetsPrices(t *testing.T) {
	t.Parallel()
	tg := Targets{TpPct: 0.03, StopPct: 0.025}
	if got := tg.TpPrice(40000); !almostEqual(got, 41200) {
		t.Errorf("TpPrice = %v, want 41200", got)
	}
	if got := tg.StopPrice(40000); !almostEqual(got, 39000) {
		t.Errorf("StopPrice = %v, want 39000", got)
	}
}

func TestDeriveAppendsLogRecord(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tpsl.jsonl")
	st := store.New(2)
	m := NewManager(testRiskConfig(), testTradingConfig(), st, path, testLogger())
	defer m.Close()

	m.Derive("BTC-USD")
	m.Derive("ETH-USD")

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	var rec map[string]json.RawMessage
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"ts", "symbol", "rr", "tp_pct", "stop_pct", "atr_pct", "cushion_spread", "cushion_fee"}
	sort.Strings(want)
	got := make([]string, 0, len(rec))
	for k := range rec {
		got = append(got, k)
	}
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("keys = %v, want %v", got, want)
		}
	}
}
