package strategy

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"bottrader/internal/store"
	"bottrader/pkg/types"
)

func fullResult() types.SignalResult {
	comps := func(inds []types.Indicator, base float64) []types.ScoreComponent {
		out := make([]types.ScoreComponent, 0, len(inds))
		for i, ind := range inds {
			w := base + float64(i)*0.1
			out = append(out, types.ScoreComponent{
				Indicator:    ind,
				Decision:     1,
				Weight:       w,
				Contribution: w,
			})
		}
		return out
	}
	return types.SignalResult{
		Symbol:         "BTC-USD",
		BarIdx:         321,
		Price:          64250.5,
		Action:         types.ActionBuy,
		Trigger:        TriggerScore,
		BuyScore:       3.1,
		SellScore:      0.4,
		TargetBuy:      2.0,
		TargetSell:     2.0,
		LastSide:       "buy",
		CooldownUntil:  328,
		BuyComponents:  comps(types.BuyIndicators, 0.5),
		SellComponents: comps(types.SellIndicators, 0.1),
		Raw:            types.RawIndicators{ROC: 4.2, RSI: 55.1, MACDHist: 0.3, Upper: 65000, Lower: 63000},
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestScoreLogAppendKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scores.jsonl")
	sl := NewScoreLog(path, 3)
	defer sl.Close()

	if err := sl.Append(fullResult()); err != nil {
		t.Fatalf("Append: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("compact lines = %d, want 1", len(lines))
	}
	var rec map[string]json.RawMessage
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := []string{
		"ts", "symbol", "bar_idx", "price", "action", "trigger",
		"buy_score", "sell_score", "target_buy", "target_sell",
		"last_side", "cooldown_until",
		"top_buy_components", "top_sell_components", "raw",
	}
	got := make([]string, 0, len(rec))
	for k := range rec {
		got = append(got, k)
	}
	sort.Strings(got)
	sorted := append([]string(nil), want...)
	sort.Strings(sorted)
	if len(got) != len(sorted) {
		t.Fatalf("keys = %v, want %v", got, sorted)
	}
	for i := range got {
		if got[i] != sorted[i] {
			t.Fatalf("keys = %v, want %v", got, sorted)
		}
	}

	var raw map[string]float64
	if err := json.Unmarshal(rec["raw"], &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	for _, k := range []string{"ROC", "RSI", "MACD_Hist", "upper", "lower"} {
		if _, ok := raw[k]; !ok {
			t.Errorf("raw missing key %q", k)
		}
	}

	var top []types.ScoreComponent
	if err := json.Unmarshal(rec["top_buy_components"], &top); err != nil {
		t.Fatalf("unmarshal top_buy_components: %v", err)
	}
	if len(top) != topComponentCount {
		t.Errorf("top_buy_components len = %d, want %d", len(top), topComponentCount)
	}
	// Highest contribution first.
	for i := 1; i < len(top); i++ {
		if top[i].Contribution > top[i-1].Contribution {
			t.Errorf("top components unsorted at %d: %v > %v", i, top[i].Contribution, top[i-1].Contribution)
		}
	}
}

func TestScoreLogComponentsFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scores.jsonl")
	sl := NewScoreLog(path, 3)
	defer sl.Close()

	if err := sl.Append(fullResult()); err != nil {
		t.Fatalf("Append: %v", err)
	}

	lines := readLines(t, componentsPath(path))
	wantN := len(types.BuyIndicators) + len(types.SellIndicators)
	if len(lines) != wantN {
		t.Fatalf("component lines = %d, want %d", len(lines), wantN)
	}
	var first componentRecord
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Side != "buy" || first.Symbol != "BTC-USD" || first.BarIdx != 321 {
		t.Errorf("first component = %+v, want buy side BTC-USD bar 321", first)
	}
}

func TestScoreLogRotation(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scores.jsonl")
	sl := NewScoreLog(path, 1)
	defer sl.Close()

	day := func(d int) time.Time {
		return time.Date(2026, 3, 1+d, 12, 0, 0, 0, time.UTC)
	}

	sl.now = func() time.Time { return day(0) }
	if err := sl.Append(fullResult()); err != nil {
		t.Fatalf("Append day0: %v", err)
	}
	sl.now = func() time.Time { return day(1) }
	if err := sl.Append(fullResult()); err != nil {
		t.Fatalf("Append day1: %v", err)
	}

	if got := readLines(t, path); len(got) != 1 {
		t.Errorf("current file lines = %d, want 1", len(got))
	}
	backup := path + ".2026-03-01"
	if got := readLines(t, backup); len(got) != 1 {
		t.Errorf("backup %s lines = %d, want 1", backup, len(got))
	}

	// A third day prunes past the retention limit of one backup.
	sl.now = func() time.Time { return day(2) }
	if err := sl.Append(fullResult()); err != nil {
		t.Fatalf("Append day2: %v", err)
	}
	if _, err := os.Stat(backup); !os.IsNotExist(err) {
		t.Errorf("oldest backup still present, want pruned")
	}
	if _, err := os.Stat(path + ".2026-03-02"); err != nil {
		t.Errorf("newest backup missing: %v", err)
	}
}

func TestScoreEmitsUnconditionally(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scores.jsonl")
	sl := NewScoreLog(path, 2)
	defer sl.Close()

	st := store.New(2)
	e := NewEngine(testSignalConfig(), st, sl, testLogger())

	// Plain holds log too, including the no-bars case.
	e.Score("BTC-USD", []types.AnnotatedBar{annotated(100, 50)}, 1)
	e.Score("BTC-USD", nil, 2)

	if lines := readLines(t, path); len(lines) != 2 {
		t.Errorf("lines = %d, want 2 (every evaluation logged)", len(lines))
	}
}

func TestComponentsPath(t *testing.T) {
	t.Parallel()
	if got := componentsPath("/var/log/scores.jsonl"); got != "/var/log/scores.components.jsonl" {
		t.Errorf("componentsPath = %q", got)
	}
	if got := componentsPath("scores"); got != "scores.components" {
		t.Errorf("componentsPath no ext = %q", got)
	}
}

func TestTopComponentsAbsOrder(t *testing.T) {
	t.Parallel()
	mk := func(c float64) types.ScoreComponent {
		return types.ScoreComponent{Contribution: c}
	}
	in := []types.ScoreComponent{mk(0.1), mk(-0.9), mk(0.5), mk(0.2), mk(0.7), mk(0.3), mk(0.6)}
	top := topComponents(in)
	if len(top) != 5 {
		t.Fatalf("len = %d, want 5", len(top))
	}
	if top[0].Contribution != -0.9 {
		t.Errorf("top[0] = %v, want -0.9 (largest magnitude)", top[0].Contribution)
	}
	if top[1].Contribution != 0.7 {
		t.Errorf("top[1] = %v, want 0.7", top[1].Contribution)
	}
	// Input order unchanged.
	if in[0].Contribution != 0.1 || in[1].Contribution != -0.9 {
		t.Errorf("input slice mutated: %v", in)
	}
}
