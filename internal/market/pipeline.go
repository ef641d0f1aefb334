// pipeline.go turns a window of closed bars into annotated bars: per-side
// indicator tuples (fired, observed, threshold) plus the raw scalars the
// score log snapshots.
package market

import (
	"log/slog"
	"math"

	"bottrader/internal/config"
	"bottrader/pkg/types"
)

const (
	dynamicBuyPercentile  = 90.0
	dynamicSellPercentile = 10.0
	rocDiffBuyMin         = 0.3
	rocDiffSellMax        = -0.2
	rsiBandSlack          = 7.0 // widens the RSI fire band around the configured thresholds
	swingRSILow           = 30.0
	swingRSIHigh          = 70.0
	swingVolBuyFactor     = 0.8
	swingVolSellFactor    = 1.2
	swingFastSMA          = 50
	swingSlowSMA          = 200
)

// Pipeline computes indicator annotations for one window of bars.
type Pipeline struct {
	cfg    config.IndicatorConfig
	logger *slog.Logger
}

// NewPipeline creates a pipeline with the given indicator parameters.
func NewPipeline(cfg config.IndicatorConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, logger: logger.With("component", "pipeline")}
}

// Annotate computes all indicators over bars and returns the annotated
// window, oldest first.
//
// With fewer than MinRequiredRows bars the frame is returned unmodified
// (no annotations). A panic inside indicator math is recovered: the error
// is logged and every bar carries all-zero annotations instead.
func (p *Pipeline) Annotate(symbol string, bars []types.Bar) (out []types.AnnotatedBar) {
	out = make([]types.AnnotatedBar, len(bars))
	for i := range bars {
		out[i].Bar = bars[i]
	}
	if len(bars) < p.cfg.MinRequiredRows {
		return out
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("indicator computation failed",
				"symbol", symbol, "bars", len(bars), "panic", r)
			for i := range out {
				out[i] = types.AnnotatedBar{Bar: bars[i], Annotations: zeroAnnotations()}
			}
		}
	}()

	cl := closes(bars)
	rsi := RSI(bars, p.cfg.RSIWindow)
	roc := ROC(bars, p.cfg.ROCWindow)
	macdLine, macdSig, macdHist := MACD(bars, p.cfg.MACDFast, p.cfg.MACDSlow, p.cfg.MACDSignal)
	upper, _, lower := Bollinger(bars, p.cfg.BBWindow, p.cfg.BBStd)
	atr := ATR(bars, p.cfg.ATRWindow)
	sma50 := SMA(cl, swingFastSMA)
	sma200 := SMA(cl, swingSlowSMA)
	vol := RollingStd(cl, p.cfg.BBWindow)
	meanVol := SMA(vol, p.cfg.BBWindow)

	ratios := make([]float64, len(bars))
	for i := range bars {
		ratios[i] = bandRatio(cl[i], upper[i], lower[i])
	}

	for i := range bars {
		a := make(map[types.Indicator]types.Annotation, len(types.BuyIndicators)+len(types.SellIndicators))

		// Bollinger Ratio against its own rolling percentiles.
		lo := i - p.cfg.BBWindow + 1
		if lo < 0 {
			lo = 0
		}
		dynBuy := percentile(ratios[lo:i+1], dynamicBuyPercentile)
		dynSell := percentile(ratios[lo:i+1], dynamicSellPercentile)
		a[types.IndBuyBollingerRatio] = annotation(ratios[i] > dynBuy, ratios[i], dynBuy)
		a[types.IndSellBollingerRatio] = annotation(ratios[i] < dynSell, ratios[i], dynSell)

		a[types.IndBuyBollingerTouch] = annotation(cl[i] < lower[i], cl[i], lower[i])
		a[types.IndSellBollingerTouch] = annotation(cl[i] > upper[i], cl[i], upper[i])

		rsiBuyMax := p.cfg.RSIOversold + rsiBandSlack
		rsiSellMin := p.cfg.RSIOverbought - rsiBandSlack
		a[types.IndBuyRSI] = annotation(rsi[i] > 0 && rsi[i] < rsiBuyMax, rsi[i], rsiBuyMax)
		a[types.IndSellRSI] = annotation(rsi[i] > rsiSellMin, rsi[i], rsiSellMin)

		rocDiff := 0.0
		if i > 0 {
			rocDiff = roc[i] - roc[i-1]
		}
		a[types.IndBuyROC] = annotation(
			roc[i] > p.cfg.ROCBuyThreshold && rocDiff > rocDiffBuyMin && rsi[i] <= p.cfg.RSIOversold,
			roc[i], p.cfg.ROCBuyThreshold)
		a[types.IndSellROC] = annotation(
			roc[i] < p.cfg.ROCSellThreshold && rocDiff < rocDiffSellMax && rsi[i] >= p.cfg.RSIOverbought,
			roc[i], p.cfg.ROCSellThreshold)

		a[types.IndBuyMACD] = annotation(macdHist[i] > 0, macdHist[i], 0)
		a[types.IndSellMACD] = annotation(macdHist[i] < 0, macdHist[i], 0)

		inRSIBand := rsi[i] >= swingRSILow && rsi[i] <= swingRSIHigh
		a[types.IndBuySwing] = annotation(
			cl[i] > sma50[i] && inRSIBand && macdLine[i] > macdSig[i] &&
				cl[i] > sma200[i] && vol[i] > swingVolBuyFactor*meanVol[i],
			cl[i], sma50[i])
		a[types.IndSellSwing] = annotation(
			cl[i] < sma50[i] && inRSIBand && macdLine[i] < macdSig[i] &&
				cl[i] < sma200[i] && vol[i] < swingVolSellFactor*meanVol[i],
			cl[i], sma50[i])

		w := detectWBottom(bars[:i+1], lower[:i+1])
		a[types.IndBuyWBottom] = patternAnnotation(w)
		m := detectMTop(bars[:i+1], upper[:i+1])
		a[types.IndSellMTop] = patternAnnotation(m)

		out[i].Annotations = a
		out[i].RSI = nan0(rsi[i])
		out[i].ROC = nan0(roc[i])
		out[i].MACDHist = nan0(macdHist[i])
		out[i].Upper = nan0(upper[i])
		out[i].Lower = nan0(lower[i])
		out[i].ATR = nan0(atr[i])
		if cl[i] > 0 {
			out[i].ATRPct = nan0(atr[i]) / cl[i]
		}
	}
	return out
}

// AvgQuoteVolume returns the mean per-bar quote volume (volume times close)
// over the window.
func AvgQuoteVolume(bars []types.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars {
		sum += b.Volume * b.Close
	}
	return sum / float64(len(bars))
}

// annotation builds a tuple, dropping NaN observations so the JSON logs
// render null instead of an unmarshalable NaN. A comparison involving NaN
// is false, so fired stays 0 whenever an input is undefined.
func annotation(fired bool, observed, threshold float64) types.Annotation {
	a := types.Annotation{}
	if fired {
		a.Fired = 1
	}
	if !math.IsNaN(observed) {
		a.Observed = &observed
	}
	if !math.IsNaN(threshold) {
		a.Threshold = &threshold
	}
	return a
}

func patternAnnotation(r patternResult) types.Annotation {
	if !r.fired {
		return types.Annotation{}
	}
	return annotation(true, r.observed, r.threshold)
}

// zeroAnnotations is the failure frame: every indicator present, none
// fired, no observations.
func zeroAnnotations() map[types.Indicator]types.Annotation {
	a := make(map[types.Indicator]types.Annotation, len(types.BuyIndicators)+len(types.SellIndicators))
	for _, ind := range types.BuyIndicators {
		a[ind] = types.Annotation{}
	}
	for _, ind := range types.SellIndicators {
		a[ind] = types.Annotation{}
	}
	return a
}

func nan0(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
