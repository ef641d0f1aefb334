package strategy

import (
	"log/slog"
	"os"
	"testing"

	"bottrader/internal/config"
	"bottrader/internal/store"
	"bottrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSignalConfig() config.SignalConfig {
	return config.SignalConfig{
		ScoreBuyTarget:        2.0,
		ScoreSellTarget:       2.0,
		CooldownBars:          7,
		FlipHysteresisPct:     0.10,
		MinIndicatorsRequired: 2,
		Weights: map[string]float64{
			"Buy Bollinger Ratio":  1.5,
			"Sell Bollinger Ratio": 1.5,
		},
	}
}

// annotated builds a bar whose listed indicators fired with a 1.0 tuple.
func annotated(close, rsi float64, fired ...types.Indicator) types.AnnotatedBar {
	ann := make(map[types.Indicator]types.Annotation)
	for _, ind := range fired {
		v := 1.0
		ann[ind] = types.Annotation{Fired: 1, Observed: &v, Threshold: &v}
	}
	return types.AnnotatedBar{
		Bar:         types.Bar{Close: close},
		Annotations: ann,
		RSI:         rsi,
	}
}

func newTestEngine(cfg config.SignalConfig) (*Engine, *store.Store) {
	st := store.New(2)
	return NewEngine(cfg, st, nil, testLogger()), st
}

func TestScoreMomentumOverride(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		chg24   float64
		rsi     float64
		want    types.SignalAction
		trigger string
	}{
		{"strong gain neutral rsi", 12, 50, types.ActionBuy, TriggerMomentum},
		{"strong loss neutral rsi", -6, 50, types.ActionSell, TriggerMomentum},
		{"rsi at low bound", 11, 45, types.ActionBuy, TriggerMomentum},
		{"rsi at high bound", 11, 55, types.ActionBuy, TriggerMomentum},
		{"rsi below band", 11, 44, types.ActionHold, ""},
		{"rsi above band", 11, 56, types.ActionHold, ""},
		{"gain at threshold", 10, 50, types.ActionHold, ""},
		{"loss at threshold", -5, 50, types.ActionHold, ""},
		{"small move", 1, 50, types.ActionHold, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, st := newTestEngine(testSignalConfig())
			st.SetPairStats("BTC-USD", types.PairStats{PricePercentChg24H: tt.chg24})

			r := e.Score("BTC-USD", []types.AnnotatedBar{annotated(100, tt.rsi)}, 10)
			if r.Action != tt.want {
				t.Errorf("Action = %v, want %v", r.Action, tt.want)
			}
			if r.Trigger != tt.trigger {
				t.Errorf("Trigger = %q, want %q", r.Trigger, tt.trigger)
			}
		})
	}
}

func TestScoreMomentumOverrideComponent(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(testSignalConfig())
	st.SetPairStats("ETH-USD", types.PairStats{PricePercentChg24H: 13.5})

	r := e.Score("ETH-USD", []types.AnnotatedBar{annotated(2500, 50)}, 42)
	if len(r.BuyComponents) != 1 {
		t.Fatalf("BuyComponents len = %d, want 1", len(r.BuyComponents))
	}
	c := r.BuyComponents[0]
	if c.Indicator != types.IndBuySignal {
		t.Errorf("Indicator = %q, want %q", c.Indicator, types.IndBuySignal)
	}
	if c.Value == nil || *c.Value != 13.5 {
		t.Errorf("Value = %v, want 13.5", c.Value)
	}
	if c.Threshold == nil || *c.Threshold != 10.0 {
		t.Errorf("Threshold = %v, want 10", c.Threshold)
	}
	if r.LastSide != "buy" {
		t.Errorf("LastSide = %q, want buy", r.LastSide)
	}
	if r.CooldownUntil != 49 {
		t.Errorf("CooldownUntil = %d, want 49", r.CooldownUntil)
	}
}

func TestScoreWeighted(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(testSignalConfig())

	bars := []types.AnnotatedBar{annotated(100, 60, types.IndBuyBollingerRatio, types.IndBuyRSI)}
	r := e.Score("BTC-USD", bars, 5)

	if r.BuyScore != 2.5 {
		t.Errorf("BuyScore = %v, want 2.5", r.BuyScore)
	}
	if r.SellScore != 0 {
		t.Errorf("SellScore = %v, want 0", r.SellScore)
	}
	if r.Action != types.ActionBuy {
		t.Errorf("Action = %v, want buy", r.Action)
	}
	if r.Trigger != TriggerScore {
		t.Errorf("Trigger = %q, want %q", r.Trigger, TriggerScore)
	}
	if len(r.BuyComponents) != len(types.BuyIndicators) {
		t.Errorf("BuyComponents len = %d, want %d", len(r.BuyComponents), len(types.BuyIndicators))
	}
	if r.TargetBuy != 2.0 {
		t.Errorf("TargetBuy = %v, want 2", r.TargetBuy)
	}

	got, ok := st.LastSignal("BTC-USD")
	if !ok || got.Action != types.ActionBuy {
		t.Errorf("store signal = %+v ok=%v, want stored buy", got, ok)
	}
}

func TestScoreBelowTargetHolds(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(testSignalConfig())

	bars := []types.AnnotatedBar{annotated(100, 60, types.IndBuyBollingerRatio)}
	r := e.Score("BTC-USD", bars, 5)
	if r.Action != types.ActionHold {
		t.Errorf("Action = %v, want hold", r.Action)
	}
	if r.Trigger != "" {
		t.Errorf("Trigger = %q, want empty", r.Trigger)
	}
	if r.BuyScore != 1.5 {
		t.Errorf("BuyScore = %v, want 1.5", r.BuyScore)
	}
}

func TestScoreInsufficientIndicators(t *testing.T) {
	t.Parallel()
	cfg := testSignalConfig()
	cfg.Weights["Buy MACD"] = 2.5

	e, _ := newTestEngine(cfg)
	bars := []types.AnnotatedBar{annotated(100, 60, types.IndBuyMACD)}
	r := e.Score("BTC-USD", bars, 5)

	if r.Action != types.ActionHold {
		t.Errorf("Action = %v, want hold", r.Action)
	}
	want := "buy_suppressed_insufficient_indicators_1_of_2"
	if r.Trigger != want {
		t.Errorf("Trigger = %q, want %q", r.Trigger, want)
	}
	if r.BuyScore != 2.5 {
		t.Errorf("BuyScore = %v, want 2.5", r.BuyScore)
	}
}

func TestScoreHysteresis(t *testing.T) {
	t.Parallel()
	cfg := testSignalConfig()
	e, _ := newTestEngine(cfg)

	// Flip long at bar 100.
	buy := []types.AnnotatedBar{annotated(100, 60, types.IndBuyBollingerRatio, types.IndBuyRSI)}
	if r := e.Score("BTC-USD", buy, 100); r.Action != types.ActionBuy {
		t.Fatalf("setup flip Action = %v, want buy", r.Action)
	}

	// Past cooldown, sell score meets the base target but not the raised one.
	weakSell := []types.AnnotatedBar{annotated(100, 60, types.IndSellRSI, types.IndSellMACD)}
	r := e.Score("BTC-USD", weakSell, 120)
	if r.Action != types.ActionHold {
		t.Errorf("Action = %v, want hold", r.Action)
	}
	if r.Trigger != "sell_suppressed_by_hysteresis" {
		t.Errorf("Trigger = %q, want sell_suppressed_by_hysteresis", r.Trigger)
	}
	wantTarget := cfg.ScoreSellTarget * (1 + cfg.FlipHysteresisPct)
	if r.TargetSell != wantTarget {
		t.Errorf("TargetSell = %v, want %v", r.TargetSell, wantTarget)
	}

	// A stronger sell clears the raised target and flips.
	strongSell := []types.AnnotatedBar{annotated(100, 60,
		types.IndSellBollingerRatio, types.IndSellRSI, types.IndSellMACD)}
	r = e.Score("BTC-USD", strongSell, 121)
	if r.Action != types.ActionSell {
		t.Errorf("Action = %v, want sell", r.Action)
	}
	if r.LastSide != "sell" {
		t.Errorf("LastSide = %q, want sell", r.LastSide)
	}
	if r.CooldownUntil != 128 {
		t.Errorf("CooldownUntil = %d, want 128", r.CooldownUntil)
	}
}

func TestScoreCooldownSuppression(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(testSignalConfig())

	buy := []types.AnnotatedBar{annotated(100, 60, types.IndBuyBollingerRatio, types.IndBuyRSI)}
	if r := e.Score("BTC-USD", buy, 100); r.CooldownUntil != 107 {
		t.Fatalf("setup CooldownUntil = %d, want 107", r.CooldownUntil)
	}

	// Sell clears even the raised target but the window has not expired.
	strongSell := []types.AnnotatedBar{annotated(100, 60,
		types.IndSellBollingerRatio, types.IndSellRSI, types.IndSellMACD)}
	r := e.Score("BTC-USD", strongSell, 104)
	if r.Action != types.ActionHold {
		t.Errorf("Action = %v, want hold", r.Action)
	}
	if r.Trigger != "sell_suppressed_by_cooldown" {
		t.Errorf("Trigger = %q, want sell_suppressed_by_cooldown", r.Trigger)
	}

	// Same inputs at the window boundary flip.
	r = e.Score("BTC-USD", strongSell, 107)
	if r.Action != types.ActionSell {
		t.Errorf("Action at boundary = %v, want sell", r.Action)
	}
	if r.CooldownUntil != 114 {
		t.Errorf("CooldownUntil = %d, want 114", r.CooldownUntil)
	}
}

func TestScoreSameSideDuringCooldown(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(testSignalConfig())

	buy := []types.AnnotatedBar{annotated(100, 60, types.IndBuyBollingerRatio, types.IndBuyRSI)}
	e.Score("BTC-USD", buy, 100)

	// Re-entering the held side is not suppressed and does not restart the
	// window.
	r := e.Score("BTC-USD", buy, 103)
	if r.Action != types.ActionBuy {
		t.Errorf("Action = %v, want buy", r.Action)
	}
	if r.CooldownUntil != 107 {
		t.Errorf("CooldownUntil = %d, want 107", r.CooldownUntil)
	}
}

func TestScoreConflictResolution(t *testing.T) {
	t.Parallel()

	both := func(buyInds, sellInds []types.Indicator) []types.AnnotatedBar {
		return []types.AnnotatedBar{annotated(100, 60, append(buyInds, sellInds...)...)}
	}

	t.Run("higher score wins", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine(testSignalConfig())
		bars := both(
			[]types.Indicator{types.IndBuyBollingerRatio, types.IndBuyRSI},
			[]types.Indicator{types.IndSellBollingerRatio, types.IndSellRSI, types.IndSellMACD},
		)
		r := e.Score("BTC-USD", bars, 5)
		if r.Action != types.ActionSell {
			t.Errorf("Action = %v, want sell (%.1f vs %.1f)", r.Action, r.BuyScore, r.SellScore)
		}
	})

	t.Run("tie holds", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestEngine(testSignalConfig())
		bars := both(
			[]types.Indicator{types.IndBuyBollingerRatio, types.IndBuyRSI},
			[]types.Indicator{types.IndSellBollingerRatio, types.IndSellRSI},
		)
		r := e.Score("BTC-USD", bars, 5)
		if r.Action != types.ActionHold {
			t.Errorf("Action = %v, want hold on tie", r.Action)
		}
	})
}

func TestScoreEmptyBars(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(testSignalConfig())
	r := e.Score("BTC-USD", nil, 5)
	if r.Action != types.ActionHold {
		t.Errorf("Action = %v, want hold", r.Action)
	}
	if r.Symbol != "BTC-USD" || r.BarIdx != 5 {
		t.Errorf("result = %+v, want symbol/bar populated", r)
	}
}
