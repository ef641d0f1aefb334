package monitor

import (
	"bottrader/internal/config"
	"bottrader/pkg/types"
)

// newTrailingState seeds tracking for a position on its first evaluation.
// The stop stays unset until the position is profitable enough to activate.
func newTrailingState(mid, atrPct float64) *types.TrailingStopState {
	return &types.TrailingStopState{LastHigh: mid, LastATRPct: atrPct}
}

// trailingCandidate is the ATR-scaled stop below the last high, clamped so
// it always sits between the min and max distances under the current mid.
func trailingCandidate(ts *types.TrailingStopState, mid float64, cfg config.TradingConfig) float64 {
	cand := ts.LastHigh - ts.LastHigh*ts.LastATRPct*cfg.TrailingStopATRMult
	if lo := mid * (1 - cfg.TrailingMaxDistPct); cand < lo {
		cand = lo
	}
	if hi := mid * (1 - cfg.TrailingMinDistPct); cand > hi {
		cand = hi
	}
	return cand
}

// advanceTrailing records a new high water mark and lifts the stop when the
// candidate improves on it. The stop never moves down, even when a falling
// mid drags the clamp band below it.
func advanceTrailing(ts *types.TrailingStopState, mid, atrPct float64, cfg config.TradingConfig) {
	if mid > ts.LastHigh {
		ts.LastHigh = mid
		ts.LastATRPct = atrPct
	}
	if cand := trailingCandidate(ts, mid, cfg); cand > ts.StopPrice {
		ts.StopPrice = cand
	}
}

// activateTrailing arms the stop once the position has cleared the
// activation profit. The initial stop is the candidate for the current mid.
func activateTrailing(ts *types.TrailingStopState, mid, atrPct float64, cfg config.TradingConfig) {
	if mid > ts.LastHigh {
		ts.LastHigh = mid
		ts.LastATRPct = atrPct
	}
	ts.TrailingActive = true
	ts.StopPrice = trailingCandidate(ts, mid, cfg)
}
