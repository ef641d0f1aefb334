// Package market maintains per-symbol OHLCV history and computes the
// indicator annotations the signal engine scores.
//
// Bars is updated from two sources:
//   - REST candle history via Seed (startup backfill)
//   - WebSocket ticks via ApplyTick (live aggregation into the current bar)
//
// Live bars have no per-trade volume feed, so volume is accumulated from
// positive deltas of the ticker's rolling 24h volume, clamped at zero across
// the daily rollover.
package market

import (
	"sort"
	"sync"
	"time"

	"bottrader/pkg/types"
)

// WindowBars is the default rolling window length. It covers the slowest
// indicator lookback (200-bar SMA) plus pattern and percentile windows.
const WindowBars = 320

// Bars keeps a bounded rolling window of closed bars per symbol plus the
// in-progress bar being aggregated from ticks.
type Bars struct {
	mu       sync.RWMutex
	interval time.Duration
	limit    int

	closed  map[string][]types.Bar
	current map[string]*types.Bar
	seq     map[string]int64   // count of closed bars ever, survives trimming
	lastVol map[string]float64 // last seen 24h volume, for delta accumulation
}

// NewBars creates a cache holding at most limit closed bars per symbol.
func NewBars(interval time.Duration, limit int) *Bars {
	if limit < 1 {
		limit = 1
	}
	return &Bars{
		interval: interval,
		limit:    limit,
		closed:   make(map[string][]types.Bar),
		current:  make(map[string]*types.Bar),
		seq:      make(map[string]int64),
		lastVol:  make(map[string]float64),
	}
}

// Interval returns the bar interval.
func (b *Bars) Interval() time.Duration {
	return b.interval
}

// Seed replaces a symbol's history with REST candles. Bars are sorted,
// de-duplicated by open time, and trimmed to the window limit. The bar
// index sequence restarts at the seeded length.
func (b *Bars) Seed(symbol string, bars []types.Bar) {
	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	dedup := sorted[:0]
	for i, bar := range sorted {
		if i > 0 && bar.Time.Equal(sorted[i-1].Time) {
			dedup[len(dedup)-1] = bar
			continue
		}
		dedup = append(dedup, bar)
	}
	if len(dedup) > b.limit {
		dedup = dedup[len(dedup)-b.limit:]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed[symbol] = append([]types.Bar(nil), dedup...)
	b.seq[symbol] = int64(len(dedup))
	delete(b.current, symbol)
}

// ApplyTick folds one tick into the in-progress bar. When the tick falls in
// a new interval bucket the previous bar is closed, appended to history, and
// returned; otherwise the returned bool is false.
func (b *Bars) ApplyTick(symbol string, tick types.TickerUpdate) (types.Bar, bool) {
	if tick.Price <= 0 {
		return types.Bar{}, false
	}
	bucket := tick.Time.UTC().Truncate(b.interval)

	b.mu.Lock()
	defer b.mu.Unlock()

	volDelta := 0.0
	if last, ok := b.lastVol[symbol]; ok {
		if d := tick.Volume24H - last; d > 0 {
			volDelta = d
		}
	}
	b.lastVol[symbol] = tick.Volume24H

	cur := b.current[symbol]
	if cur == nil {
		b.current[symbol] = &types.Bar{
			Time: bucket, Open: tick.Price, High: tick.Price,
			Low: tick.Price, Close: tick.Price, Volume: volDelta,
		}
		return types.Bar{}, false
	}

	if bucket.After(cur.Time) {
		done := *cur
		b.appendLocked(symbol, done)
		b.current[symbol] = &types.Bar{
			Time: bucket, Open: tick.Price, High: tick.Price,
			Low: tick.Price, Close: tick.Price, Volume: volDelta,
		}
		return done, true
	}

	if tick.Price > cur.High {
		cur.High = tick.Price
	}
	if tick.Price < cur.Low {
		cur.Low = tick.Price
	}
	cur.Close = tick.Price
	cur.Volume += volDelta
	return types.Bar{}, false
}

func (b *Bars) appendLocked(symbol string, bar types.Bar) {
	hist := append(b.closed[symbol], bar)
	if len(hist) > b.limit {
		hist = hist[len(hist)-b.limit:]
	}
	b.closed[symbol] = hist
	b.seq[symbol]++
}

// Snapshot returns a copy of the closed bars for a symbol, oldest first.
func (b *Bars) Snapshot(symbol string) []types.Bar {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist := b.closed[symbol]
	out := make([]types.Bar, len(hist))
	copy(out, hist)
	return out
}

// Len returns the number of closed bars currently held for a symbol.
func (b *Bars) Len(symbol string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.closed[symbol])
}

// LastIndex returns the monotonically increasing index of the most recently
// closed bar, -1 when no bar has closed yet. Cooldown windows are expressed
// in these indexes.
func (b *Bars) LastIndex(symbol string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq[symbol] - 1
}

// LastClose returns the most recent closed bar's close price.
func (b *Bars) LastClose(symbol string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist := b.closed[symbol]
	if len(hist) == 0 {
		return 0, false
	}
	return hist[len(hist)-1].Close, true
}

// IsStale reports whether a symbol has seen no closed bar within maxAge.
func (b *Bars) IsStale(symbol string, maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist := b.closed[symbol]
	if len(hist) == 0 {
		return true
	}
	return time.Since(hist[len(hist)-1].Time) > maxAge
}
