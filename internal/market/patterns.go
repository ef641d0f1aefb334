// patterns.go detects W-bottom and M-top reversal shapes against the
// Bollinger bands.
//
// A W-bottom is two separated local lows at or under the lower band, the
// second no deeper than the first, followed by a close back above the
// neckline (the highest high between the lows) on above-average volume.
// An M-top is the mirror image against the upper band.
package market

import (
	"math"

	"bottrader/pkg/types"
)

const (
	patternLookback = 20   // bars scanned for the two extrema
	patternMinGap   = 3    // minimum bars between the two extrema
	patternBandTol  = 0.01 // how near the band an extremum must reach
)

// patternResult reports a detection with the observed second extremum and
// the neckline that confirmed the reversal.
type patternResult struct {
	fired     bool
	observed  float64
	threshold float64
}

// detectWBottom scans the tail of bars for a volume-confirmed W-bottom.
// lower is the Bollinger lower band aligned to bars.
func detectWBottom(bars []types.Bar, lower []float64) patternResult {
	n := len(bars)
	if n < patternLookback {
		return patternResult{}
	}
	start := n - patternLookback

	var lows []int
	for i := start + 1; i < n-1; i++ {
		if math.IsNaN(lower[i]) {
			continue
		}
		if bars[i].Low < bars[i-1].Low && bars[i].Low < bars[i+1].Low &&
			bars[i].Low <= lower[i]*(1+patternBandTol) {
			lows = append(lows, i)
		}
	}
	if len(lows) < 2 {
		return patternResult{}
	}

	// Latest qualifying pair: second low must not undercut the first.
	i2 := lows[len(lows)-1]
	for k := len(lows) - 2; k >= 0; k-- {
		i1 := lows[k]
		if i2-i1 < patternMinGap || bars[i2].Low < bars[i1].Low {
			continue
		}
		neckline := bars[i1].High
		for j := i1; j <= i2; j++ {
			if bars[j].High > neckline {
				neckline = bars[j].High
			}
		}
		last := bars[n-1]
		if last.Close > neckline && last.Volume > avgVolume(bars[start:n]) {
			return patternResult{fired: true, observed: bars[i2].Low, threshold: neckline}
		}
	}
	return patternResult{}
}

// detectMTop scans the tail of bars for a volume-confirmed M-top. upper is
// the Bollinger upper band aligned to bars.
func detectMTop(bars []types.Bar, upper []float64) patternResult {
	n := len(bars)
	if n < patternLookback {
		return patternResult{}
	}
	start := n - patternLookback

	var highs []int
	for i := start + 1; i < n-1; i++ {
		if math.IsNaN(upper[i]) {
			continue
		}
		if bars[i].High > bars[i-1].High && bars[i].High > bars[i+1].High &&
			bars[i].High >= upper[i]*(1-patternBandTol) {
			highs = append(highs, i)
		}
	}
	if len(highs) < 2 {
		return patternResult{}
	}

	i2 := highs[len(highs)-1]
	for k := len(highs) - 2; k >= 0; k-- {
		i1 := highs[k]
		if i2-i1 < patternMinGap || bars[i2].High > bars[i1].High {
			continue
		}
		neckline := bars[i1].Low
		for j := i1; j <= i2; j++ {
			if bars[j].Low < neckline {
				neckline = bars[j].Low
			}
		}
		last := bars[n-1]
		if last.Close < neckline && last.Volume > avgVolume(bars[start:n]) {
			return patternResult{fired: true, observed: bars[i2].High, threshold: neckline}
		}
	}
	return patternResult{}
}

func avgVolume(bars []types.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars {
		sum += b.Volume
	}
	return sum / float64(len(bars))
}
