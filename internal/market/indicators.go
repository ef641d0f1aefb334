// indicators.go implements the technical indicators the pipeline annotates
// bars with:
//
//	SMA, EMA            moving averages
//	RSI                 Wilder-smoothed relative strength
//	ROC                 rate of change over n bars, in percent
//	MACD                fast/slow EMA difference plus signal line
//	Bollinger           rolling mean band of +/- k standard deviations
//	ATR                 Wilder-smoothed average true range
//	RollingStd          rolling standard deviation
//
// All functions take the full bar window and return slices aligned to the
// input; indexes before the first complete lookback hold NaN for averages
// and 0 for oscillators. They run on every bar close, so they are written
// as single rolling passes without per-call allocation beyond the output.
package market

import (
	"math"
	"sort"

	"bottrader/pkg/types"
)

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i := range bars {
		out[i] = bars[i].Close
	}
	return out
}

// SMA returns the n-period simple moving average of vals, aligned to input.
// Indexes before the first full window hold NaN.
func SMA(vals []float64, n int) []float64 {
	out := make([]float64, len(vals))
	if n <= 0 || len(vals) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var sum float64
	for i := range vals {
		sum += vals[i]
		if i >= n {
			sum -= vals[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// EMA returns the n-period exponential moving average of vals, seeded with
// the SMA of the first n values. Indexes before the seed hold NaN.
func EMA(vals []float64, n int) []float64 {
	out := make([]float64, len(vals))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 0 || len(vals) < n {
		return out
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += vals[i]
	}
	prev := sum / float64(n)
	out[n-1] = prev
	k := 2.0 / float64(n+1)
	for i := n; i < len(vals); i++ {
		prev = (vals[i]-prev)*k + prev
		out[i] = prev
	}
	return out
}

// RSI returns the n-period Relative Strength Index using Wilder's smoothing.
// Indexes before the first full window hold 0.
func RSI(bars []types.Bar, n int) []float64 {
	out := make([]float64, len(bars))
	if n <= 0 || len(bars) < n+1 {
		return out
	}
	var avgGain, avgLoss float64
	for i := 1; i <= n; i++ {
		d := bars[i].Close - bars[i-1].Close
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(n)
	avgLoss /= float64(n)
	out[n] = rsiValue(avgGain, avgLoss)
	for i := n + 1; i < len(bars); i++ {
		d := bars[i].Close - bars[i-1].Close
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(n-1) + gain) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + loss) / float64(n)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// ROC returns the n-period rate of change of Close, in percent. Indexes
// before the first full lookback hold 0.
func ROC(bars []types.Bar, n int) []float64 {
	out := make([]float64, len(bars))
	if n <= 0 {
		return out
	}
	for i := n; i < len(bars); i++ {
		base := bars[i-n].Close
		if base != 0 {
			out[i] = (bars[i].Close - base) / base * 100.0
		}
	}
	return out
}

// MACD returns the MACD line (fast EMA minus slow EMA), the signal line
// (EMA of the MACD line), and the histogram (line minus signal). NaN until
// both EMAs and the signal seed are available.
func MACD(bars []types.Bar, fast, slow, signal int) (line, sig, hist []float64) {
	cl := closes(bars)
	emaFast := EMA(cl, fast)
	emaSlow := EMA(cl, slow)

	line = make([]float64, len(bars))
	for i := range line {
		line[i] = emaFast[i] - emaSlow[i] // NaN propagates
	}

	// The signal EMA starts where the line becomes defined.
	start := slow - 1
	sig = make([]float64, len(bars))
	hist = make([]float64, len(bars))
	for i := range sig {
		sig[i] = math.NaN()
		hist[i] = math.NaN()
	}
	if start < 0 || len(bars)-start < signal {
		return line, sig, hist
	}
	tailSig := EMA(line[start:], signal)
	for i := range tailSig {
		sig[start+i] = tailSig[i]
		if !math.IsNaN(tailSig[i]) {
			hist[start+i] = line[start+i] - tailSig[i]
		}
	}
	return line, sig, hist
}

// Bollinger returns the upper, middle, and lower bands: the n-period SMA of
// Close +/- k standard deviations. NaN before the first full window.
func Bollinger(bars []types.Bar, n int, k float64) (upper, mid, lower []float64) {
	cl := closes(bars)
	mid = SMA(cl, n)
	std := RollingStd(cl, n)
	upper = make([]float64, len(bars))
	lower = make([]float64, len(bars))
	for i := range bars {
		upper[i] = mid[i] + k*std[i]
		lower[i] = mid[i] - k*std[i]
	}
	return upper, mid, lower
}

// RollingStd returns the rolling population standard deviation over window
// n, aligned to input. NaN before the first full window.
func RollingStd(vals []float64, n int) []float64 {
	out := make([]float64, len(vals))
	if n <= 1 || len(vals) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var sum, sumSq float64
	for i := range vals {
		x := vals[i]
		sum += x
		sumSq += x * x
		if i >= n {
			y := vals[i-n]
			sum -= y
			sumSq -= y * y
		}
		if i >= n-1 {
			mean := sum / float64(n)
			variance := (sumSq / float64(n)) - (mean * mean)
			out[i] = math.Sqrt(math.Max(variance, 0))
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// ATR returns the n-period Wilder-smoothed average true range. Indexes
// before the first full window hold 0.
func ATR(bars []types.Bar, n int) []float64 {
	out := make([]float64, len(bars))
	if n <= 0 || len(bars) < n+1 {
		return out
	}
	tr := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	var sum float64
	for i := 1; i <= n; i++ {
		sum += tr[i]
	}
	prev := sum / float64(n)
	out[n] = prev
	for i := n + 1; i < len(bars); i++ {
		prev = (prev*float64(n-1) + tr[i]) / float64(n)
		out[i] = prev
	}
	return out
}

// percentile returns the p-th percentile (0-100) of vals using
// nearest-rank on a sorted copy. NaN inputs are skipped.
func percentile(vals []float64, p float64) float64 {
	clean := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return math.NaN()
	}
	sort.Float64s(clean)
	if p <= 0 {
		return clean[0]
	}
	if p >= 100 {
		return clean[len(clean)-1]
	}
	rank := int(math.Ceil(p/100.0*float64(len(clean)))) - 1
	if rank < 0 {
		rank = 0
	}
	return clean[rank]
}

// bandRatio returns the close's position inside the Bollinger band, clamped
// to [0, 1]. NaN when the band is undefined or degenerate.
func bandRatio(close, upper, lower float64) float64 {
	if math.IsNaN(upper) || math.IsNaN(lower) || upper <= lower {
		return math.NaN()
	}
	r := (close - lower) / (upper - lower)
	return math.Max(0, math.Min(1, r))
}
