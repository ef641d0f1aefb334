package engine

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"bottrader/internal/ledger"
)

func nullDec(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
}

func openBuy(size, price, fees string, remaining decimal.NullDecimal) ledger.TradeRecord {
	return ledger.TradeRecord{
		Side:          "BUY",
		Size:          decimal.RequireFromString(size),
		Price:         decimal.RequireFromString(price),
		Fees:          decimal.RequireFromString(fees),
		RemainingSize: remaining,
	}
}

func TestOpenBasis(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		buys      []ledger.TradeRecord
		wantEntry float64
		wantOK    bool
	}{
		{
			name:   "no buys",
			buys:   nil,
			wantOK: false,
		},
		{
			name:   "unallocated remaining is ignored",
			buys:   []ledger.TradeRecord{openBuy("1", "100", "0", decimal.NullDecimal{})},
			wantOK: false,
		},
		{
			name:   "zero size record is skipped",
			buys:   []ledger.TradeRecord{openBuy("0", "100", "0", nullDec("1"))},
			wantOK: false,
		},
		{
			name:      "single open buy includes fees in basis",
			buys:      []ledger.TradeRecord{openBuy("2", "100", "1", nullDec("2"))},
			wantEntry: 100.5,
			wantOK:    true,
		},
		{
			name: "partial remaining pro-rates cost",
			buys: []ledger.TradeRecord{
				openBuy("2", "100", "2", nullDec("0.5")),
				openBuy("1", "110", "0", nullDec("1")),
			},
			wantEntry: 107,
			wantOK:    true,
		},
		{
			name: "fully consumed buys drop out",
			buys: []ledger.TradeRecord{
				openBuy("1", "90", "0", nullDec("0")),
				openBuy("1", "120", "0", nullDec("1")),
			},
			wantEntry: 120,
			wantOK:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			entry, ok := openBasis(tt.buys)
			if ok != tt.wantOK {
				t.Fatalf("openBasis ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.wantOK && math.Abs(entry-tt.wantEntry) > 1e-9 {
				t.Errorf("openBasis entry = %v, want %v", entry, tt.wantEntry)
			}
		})
	}
}

func TestBaseAsset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		product string
		want    string
	}{
		{"BTC-USD", "BTC"},
		{"ETH-USDC", "ETH"},
		{"DOGE", "DOGE"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := baseAsset(tt.product); got != tt.want {
			t.Errorf("baseAsset(%q) = %q, want %q", tt.product, got, tt.want)
		}
	}
}

func TestSetUniverseReportsChange(t *testing.T) {
	t.Parallel()

	e := &Engine{}
	if !e.setUniverse([]string{"BTC-USD", "ETH-USD"}) {
		t.Error("first non-empty set = false, want true")
	}
	if e.setUniverse([]string{"BTC-USD", "ETH-USD"}) {
		t.Error("identical set = true, want false")
	}
	if e.setUniverse([]string{"ETH-USD", "BTC-USD"}) {
		t.Error("reordered set = true, want false")
	}
	if !e.setUniverse([]string{"BTC-USD", "SOL-USD"}) {
		t.Error("swapped member = false, want true")
	}
	if !e.setUniverse([]string{"BTC-USD"}) {
		t.Error("shrunk set = false, want true")
	}
}

func TestMergeSymbols(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configured []string
		previous   []string
		want       []string
	}{
		{"previous appended after configured", []string{"BTC-USD"}, []string{"ETH-USD", "BTC-USD"}, []string{"BTC-USD", "ETH-USD"}},
		{"no previous", []string{"BTC-USD"}, nil, []string{"BTC-USD"}},
		{"no configured", nil, []string{"SOL-USD"}, []string{"SOL-USD"}},
		{"both empty", nil, nil, nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := mergeSymbols(tt.configured, tt.previous)
			if len(got) != len(tt.want) {
				t.Fatalf("merged = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("merged[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseBalance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
	}{
		{"1250.75", 1250.75},
		{"0", 0},
		{"0.00000001", 0.00000001},
		{"not-a-number", 0},
		{"", 0},
	}

	for _, tt := range tests {
		if got := parseBalance(tt.in); got != tt.want {
			t.Errorf("parseBalance(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
