package market

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"bottrader/internal/config"
	"bottrader/internal/exchange"
	"bottrader/internal/store"
	"bottrader/pkg/types"
)

// Scanner discovers the tradable USD spot products, primes the USD pairs
// cache, and backfills candle history for each selected symbol. The engine
// reads ScanResults from Results() and keeps its per-symbol workers in sync
// with the selection.
//
// With an explicit symbol list configured the scanner validates it against
// the exchange's catalog; otherwise it selects the highest-volume USD pairs.

const (
	scanInterval   = 30 * time.Minute
	maxAutoSymbols = 10
)

// ScanResult is one discovery pass.
type ScanResult struct {
	Symbols   []string
	ScannedAt time.Time
}

// BarHistory supplies bars persisted by earlier runs; the ledger implements
// it. Used as backfill fallback when the exchange has no candles to give.
type BarHistory interface {
	RecentOHLCV(ctx context.Context, symbol string, limit int) ([]types.Bar, error)
}

// Scanner periodically reconciles the traded symbol set with the exchange.
type Scanner struct {
	client   *exchange.Client
	bars     *Bars
	store    *store.Store
	history  BarHistory
	trading  config.TradingConfig
	signals  config.SignalConfig
	logger   *slog.Logger
	resultCh chan ScanResult
}

// NewScanner creates a scanner. history may be nil.
func NewScanner(client *exchange.Client, bars *Bars, st *store.Store, history BarHistory, cfg *config.Config, logger *slog.Logger) *Scanner {
	return &Scanner{
		client:   client,
		bars:     bars,
		store:    st,
		history:  history,
		trading:  cfg.Trading,
		signals:  cfg.Signals,
		logger:   logger.With("component", "scanner"),
		resultCh: make(chan ScanResult, 1),
	}
}

// Results returns the channel the engine reads selections from.
func (s *Scanner) Results() <-chan ScanResult {
	return s.resultCh
}

// Run scans immediately, then on an interval. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.scan(ctx)

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	products, err := s.client.GetProducts(ctx)
	if err != nil {
		s.logger.Error("product scan failed", "error", err)
		return
	}

	usd := s.filterProducts(products)
	s.primePairsCache(usd)
	symbols := s.selectSymbols(usd)
	s.backfill(ctx, symbols)

	s.logger.Info("scan complete",
		"products", len(products),
		"usd_pairs", len(usd),
		"selected", len(symbols),
	)

	result := ScanResult{Symbols: symbols, ScannedAt: time.Now()}
	select {
	case s.resultCh <- result:
	default:
		// Replace a stale result the engine has not consumed yet.
		select {
		case <-s.resultCh:
		default:
		}
		s.resultCh <- result
	}
}

// filterProducts keeps online, enabled USD spot pairs not on the exclusion
// list.
func (s *Scanner) filterProducts(products []exchange.Product) []exchange.Product {
	var out []exchange.Product
	for _, p := range products {
		if p.IsDisabled || !strings.EqualFold(p.Status, "online") {
			continue
		}
		if !strings.HasSuffix(p.ProductID, "-USD") {
			continue
		}
		if s.signals.Excluded(p.ProductID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// primePairsCache seeds the USD pairs cache from the REST catalog so the
// momentum override has 24h stats before the first WebSocket tick arrives.
func (s *Scanner) primePairsCache(products []exchange.Product) {
	now := time.Now()
	for _, p := range products {
		s.store.SetPairStats(p.ProductID, types.PairStats{
			Price:              parseScanFloat(p.Price),
			Volume24H:          parseScanFloat(p.Volume24H),
			PricePercentChg24H: parseScanFloat(p.PricePctChange24H),
			UpdatedAt:          now,
		})
	}
}

// selectSymbols returns the configured symbols present in the catalog, or
// the highest-volume pairs when no explicit list is configured.
func (s *Scanner) selectSymbols(products []exchange.Product) []string {
	catalog := make(map[string]exchange.Product, len(products))
	for _, p := range products {
		catalog[p.ProductID] = p
	}

	if len(s.trading.Symbols) > 0 {
		var out []string
		for _, sym := range s.trading.Symbols {
			if _, ok := catalog[sym]; !ok {
				s.logger.Warn("configured symbol not tradable", "symbol", sym)
				continue
			}
			out = append(out, sym)
		}
		return out
	}

	ranked := make([]exchange.Product, len(products))
	copy(ranked, products)
	sort.Slice(ranked, func(i, j int) bool {
		return parseScanFloat(ranked[i].Volume24H)*parseScanFloat(ranked[i].Price) >
			parseScanFloat(ranked[j].Volume24H)*parseScanFloat(ranked[j].Price)
	})
	if len(ranked) > maxAutoSymbols {
		ranked = ranked[:maxAutoSymbols]
	}
	out := make([]string, len(ranked))
	for i, p := range ranked {
		out[i] = p.ProductID
	}
	return out
}

// backfill seeds candle history for symbols that do not yet have a full
// window of closed bars. When the REST fetch fails the ledger's persisted
// bars stand in, so a restart during an exchange outage still scores.
func (s *Scanner) backfill(ctx context.Context, symbols []string) {
	interval := s.bars.Interval()
	for _, sym := range symbols {
		if s.bars.Len(sym) >= WindowBars {
			continue
		}
		end := time.Now().UTC().Truncate(interval)
		start := end.Add(-time.Duration(WindowBars) * interval)
		candles, err := s.client.GetCandles(ctx, sym, granularityFor(interval), start, end)
		if err != nil {
			s.logger.Error("candle backfill failed", "symbol", sym, "error", err)
			s.seedFromLedger(ctx, sym)
			continue
		}
		if len(candles) == 0 {
			s.logger.Warn("no candle history", "symbol", sym)
			s.seedFromLedger(ctx, sym)
			continue
		}
		s.bars.Seed(sym, candles)
		s.logger.Info("candles seeded", "symbol", sym, "bars", len(candles))
	}
}

// seedFromLedger loads a symbol's stored bars as a backfill substitute.
func (s *Scanner) seedFromLedger(ctx context.Context, sym string) {
	if s.history == nil {
		return
	}
	bars, err := s.history.RecentOHLCV(ctx, sym, WindowBars)
	if err != nil {
		s.logger.Warn("ledger backfill failed", "symbol", sym, "error", err)
		return
	}
	if len(bars) == 0 {
		return
	}
	s.bars.Seed(sym, bars)
	s.logger.Info("candles seeded from ledger", "symbol", sym, "bars", len(bars))
}

func granularityFor(interval time.Duration) string {
	switch {
	case interval <= time.Minute:
		return exchange.GranularityOneMinute
	case interval <= 5*time.Minute:
		return exchange.GranularityFiveMinute
	default:
		return exchange.GranularityOneHour
	}
}

func parseScanFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
