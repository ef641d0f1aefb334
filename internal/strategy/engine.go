// Package strategy turns annotated bars into buy/sell/hold decisions.
//
// Score order for each evaluation:
//  1. Momentum override: strong 24h move with neutral RSI wins outright.
//  2. Weighted component scores per side.
//  3. Minimum fired-indicator confirmation.
//  4. Flip hysteresis: leaving the last side needs a raised target.
//  5. Cooldown: the opposite side stays suppressed for a bar-count window.
//  6. Conflict resolution: both sides passing resolves to the higher score.
//  7. State update: flips record the new side and start a cooldown.
//  8. Unconditional score log emission.
package strategy

import (
	"fmt"
	"log/slog"
	"sync"

	"bottrader/internal/config"
	"bottrader/internal/metrics"
	"bottrader/internal/store"
	"bottrader/pkg/types"
)

const (
	momoROCBuyMin  = 10.0
	momoROCSellMax = -5.0
	momoRSILow     = 45.0
	momoRSIHigh    = 55.0

	// TriggerMomentum marks decisions taken by the 24h momentum override.
	TriggerMomentum = "roc_momo_24h"
	// TriggerScore marks decisions produced by weighted scoring.
	TriggerScore = "score"
)

// symbolState is the per-symbol flip memory.
type symbolState struct {
	lastSide      types.SignalAction
	cooldownUntil int
}

// Engine scores symbols. Safe for concurrent use across symbols.
type Engine struct {
	cfg      config.SignalConfig
	store    *store.Store
	scoreLog *ScoreLog
	logger   *slog.Logger

	mu    sync.Mutex
	state map[string]*symbolState
}

// NewEngine creates a signal engine. scoreLog may be nil in tools that only
// want decisions.
func NewEngine(cfg config.SignalConfig, st *store.Store, scoreLog *ScoreLog, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    st,
		scoreLog: scoreLog,
		logger:   logger.With("component", "signals"),
		state:    make(map[string]*symbolState),
	}
}

// Score evaluates the latest annotated bar for symbol. barIdx is the
// monotonic index of that bar; cooldown windows count in these indexes.
func (e *Engine) Score(symbol string, bars []types.AnnotatedBar, barIdx int) types.SignalResult {
	e.mu.Lock()
	st, ok := e.state[symbol]
	if !ok {
		st = &symbolState{}
		e.state[symbol] = st
	}
	e.mu.Unlock()

	result := e.evaluate(symbol, bars, barIdx, st)

	e.store.SetSignal(symbol, result)
	metrics.Signals.WithLabelValues(symbol, string(result.Action)).Inc()
	e.emit(result)
	return result
}

func (e *Engine) evaluate(symbol string, bars []types.AnnotatedBar, barIdx int, st *symbolState) types.SignalResult {
	result := types.SignalResult{
		Symbol:        symbol,
		BarIdx:        barIdx,
		Action:        types.ActionHold,
		LastSide:      string(st.lastSide),
		CooldownUntil: st.cooldownUntil,
	}
	if len(bars) == 0 {
		return result
	}
	last := bars[len(bars)-1]
	result.Price = last.Close
	result.Raw = types.RawIndicators{
		ROC:      last.ROC,
		RSI:      last.RSI,
		MACDHist: last.MACDHist,
		Upper:    last.Upper,
		Lower:    last.Lower,
	}
	result.TargetBuy = e.cfg.ScoreBuyTarget
	result.TargetSell = e.cfg.ScoreSellTarget

	// 1. Momentum override.
	if action, comp, ok := e.momentumOverride(symbol, last); ok {
		result.Action = action
		result.Trigger = TriggerMomentum
		if action == types.ActionBuy {
			result.BuyComponents = append(result.BuyComponents, comp)
		} else {
			result.SellComponents = append(result.SellComponents, comp)
		}
		e.applyFlip(st, &result)
		return result
	}

	// 2. Weighted scoring against the base targets.
	buyScore, buyFired, buyComponents := e.scoreSide(types.BuyIndicators, last)
	sellScore, sellFired, sellComponents := e.scoreSide(types.SellIndicators, last)
	result.BuyScore = buyScore
	result.SellScore = sellScore
	result.BuyComponents = buyComponents
	result.SellComponents = sellComponents

	buyPasses := buyScore >= result.TargetBuy
	sellPasses := sellScore >= result.TargetSell

	// 3. Minimum-indicator confirmation.
	if buyPasses && buyFired < e.cfg.MinIndicatorsRequired {
		buyPasses = false
		result.Trigger = fmt.Sprintf("buy_suppressed_insufficient_indicators_%d_of_%d",
			buyFired, e.cfg.MinIndicatorsRequired)
	}
	if sellPasses && sellFired < e.cfg.MinIndicatorsRequired {
		sellPasses = false
		result.Trigger = fmt.Sprintf("sell_suppressed_insufficient_indicators_%d_of_%d",
			sellFired, e.cfg.MinIndicatorsRequired)
	}

	// 4. Hysteresis raises the target for flipping away from the last side.
	switch st.lastSide {
	case types.ActionBuy:
		result.TargetSell *= 1 + e.cfg.FlipHysteresisPct
		if sellPasses && sellScore < result.TargetSell {
			sellPasses = false
			result.Trigger = "sell_suppressed_by_hysteresis"
		}
	case types.ActionSell:
		result.TargetBuy *= 1 + e.cfg.FlipHysteresisPct
		if buyPasses && buyScore < result.TargetBuy {
			buyPasses = false
			result.Trigger = "buy_suppressed_by_hysteresis"
		}
	}

	// 5. Cooldown suppresses flipping back before the window expires.
	if barIdx < st.cooldownUntil {
		switch st.lastSide {
		case types.ActionBuy:
			if sellPasses {
				sellPasses = false
				result.Trigger = "sell_suppressed_by_cooldown"
			}
		case types.ActionSell:
			if buyPasses {
				buyPasses = false
				result.Trigger = "buy_suppressed_by_cooldown"
			}
		}
	}

	// 6. Conflict resolution.
	switch {
	case buyPasses && sellPasses:
		if buyScore > sellScore {
			result.Action = types.ActionBuy
		} else if sellScore > buyScore {
			result.Action = types.ActionSell
		}
	case buyPasses:
		result.Action = types.ActionBuy
	case sellPasses:
		result.Action = types.ActionSell
	}
	if result.Action != types.ActionHold {
		result.Trigger = TriggerScore
	}

	// 7. State update.
	e.applyFlip(st, &result)
	return result
}

// momentumOverride checks the 24h move against a neutral RSI band. It wins
// over all scored paths.
func (e *Engine) momentumOverride(symbol string, last types.AnnotatedBar) (types.SignalAction, types.ScoreComponent, bool) {
	stats, ok := e.store.PairStats(symbol)
	if !ok {
		return types.ActionHold, types.ScoreComponent{}, false
	}
	rsi := last.RSI
	if rsi < momoRSILow || rsi > momoRSIHigh {
		return types.ActionHold, types.ScoreComponent{}, false
	}
	roc24 := stats.PricePercentChg24H

	switch {
	case roc24 > momoROCBuyMin:
		return types.ActionBuy, momentumComponent(types.IndBuySignal, roc24, momoROCBuyMin), true
	case roc24 < momoROCSellMax:
		return types.ActionSell, momentumComponent(types.IndSellSignal, roc24, momoROCSellMax), true
	}
	return types.ActionHold, types.ScoreComponent{}, false
}

func momentumComponent(ind types.Indicator, observed, threshold float64) types.ScoreComponent {
	return types.ScoreComponent{
		Indicator:    ind,
		Decision:     1,
		Value:        &observed,
		Threshold:    &threshold,
		Weight:       1,
		Contribution: 1,
	}
}

// scoreSide sums decision times weight over one side's indicators.
func (e *Engine) scoreSide(indicators []types.Indicator, last types.AnnotatedBar) (score float64, fired int, components []types.ScoreComponent) {
	components = make([]types.ScoreComponent, 0, len(indicators))
	for _, ind := range indicators {
		ann := last.Annotations[ind]
		weight := e.cfg.Weight(string(ind))
		contribution := float64(ann.Fired) * weight
		score += contribution
		if ann.Fired == 1 {
			fired++
		}
		components = append(components, types.ScoreComponent{
			Indicator:    ind,
			Decision:     ann.Fired,
			Value:        ann.Observed,
			Threshold:    ann.Threshold,
			Weight:       weight,
			Contribution: contribution,
		})
	}
	return score, fired, components
}

// applyFlip updates last side and cooldown when the action changes sides.
func (e *Engine) applyFlip(st *symbolState, result *types.SignalResult) {
	if result.Action == types.ActionHold || result.Action == st.lastSide {
		return
	}
	st.lastSide = result.Action
	st.cooldownUntil = result.BarIdx + e.cfg.CooldownBars
	result.LastSide = string(st.lastSide)
	result.CooldownUntil = st.cooldownUntil
}

// emit appends the score record. Logging never affects the decision.
func (e *Engine) emit(result types.SignalResult) {
	if e.scoreLog == nil {
		return
	}
	if err := e.scoreLog.Append(result); err != nil {
		e.logger.Warn("score log append failed", "symbol", result.Symbol, "error", err)
	}
}

// LastSide returns the remembered side for a symbol, empty when none.
func (e *Engine) LastSide(symbol string) types.SignalAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.state[symbol]; ok {
		return st.lastSide
	}
	return ""
}
