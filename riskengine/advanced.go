package riskengine

import (
	"fmt"
	"time"

	"ordergate/config"
	"ordergate/core/types"
)

// advancedEvaluator runs R9-R12 in fixed order, including R9's
// suggested-size computation on rejection.
type advancedEvaluator struct {
	policy      *config.RiskPolicy
	portfolio   Portfolio
	simulation  *types.SimulationResult
	counters    DailyCounters
	volatility  *VolatilityMetrics
	currentTime time.Time
	metrics     map[string]float64
}

func newAdvancedEvaluator(
	policy *config.RiskPolicy,
	portfolio Portfolio,
	simulation *types.SimulationResult,
	counters DailyCounters,
	volatility *VolatilityMetrics,
	currentTime time.Time,
	metrics map[string]float64,
) *advancedEvaluator {
	return &advancedEvaluator{
		policy: policy, portfolio: portfolio, simulation: simulation,
		counters: counters, volatility: volatility, currentTime: currentTime, metrics: metrics,
	}
}

func (e *advancedEvaluator) run() (violated []string, phrases []string) {
	adv := e.policy.Advanced

	// R9: volatility-adjusted position sizing.
	if e.volatility != nil {
		if phrase := e.checkVolatilitySizing(adv); phrase != "" {
			violated = append(violated, "R9")
			phrases = append(phrases, phrase)
		}
	}

	// R10: correlation exposure — stub, behind CorrelationDataAvailable flag.
	if adv.CorrelationDataAvailable {
		// No correlation matrix wired yet; nothing to evaluate, but the
		// metric records that the data source is present for operators.
		e.metrics["correlation_data_available"] = 1
	} else {
		e.metrics["correlation_data_available"] = 0
	}

	// R11: drawdown halt against a rolling high-water-mark.
	if phrase := e.checkDrawdown(adv); phrase != "" {
		violated = append(violated, "R11")
		phrases = append(phrases, phrase)
	}

	// R12: time-of-day restriction around open/close.
	if adv.RestrictedMinutes > 0 {
		if phrase := e.checkTimeRestrictions(adv); phrase != "" {
			violated = append(violated, "R12")
			phrases = append(phrases, phrase)
		}
	}

	return violated, phrases
}

func (e *advancedEvaluator) checkVolatilitySizing(adv config.AdvancedLimits) string {
	effVol := e.volatility.EffectiveVolatility()
	if effVol == nil {
		e.metrics["volatility_available"] = 0
		return ""
	}
	e.metrics["volatility_available"] = 1
	e.metrics["symbol_volatility"] = *effVol

	positionValue, _ := e.simulation.GrossNotional.Float64()
	portfolioValue, _ := e.portfolio.TotalValue.Float64()
	if portfolioValue <= 0 {
		return "R9: Portfolio value invalid for volatility sizing"
	}

	minSize, _ := adv.MinPositionSize.Float64()
	maxSize, _ := adv.MaxPositionSize.Float64()
	if minSize > 0 && positionValue < minSize {
		return fmt.Sprintf("R9: Position size $%.2f below minimum $%.2f", positionValue, minSize)
	}
	if maxSize > 0 && positionValue > maxSize {
		return fmt.Sprintf("R9: Position size $%.2f exceeds maximum $%.2f", positionValue, maxSize)
	}

	positionRisk := positionValue * *effVol
	portfolioRiskPct := positionRisk / portfolioValue * 100
	e.metrics["position_risk_pct"] = portfolioRiskPct

	maxRiskPct := adv.MaxPositionVolatility * 100
	if portfolioRiskPct > maxRiskPct {
		suggestedSize := portfolioValue * adv.MaxPositionVolatility / *effVol
		e.metrics["suggested_position_size"] = suggestedSize
		return fmt.Sprintf("R9: Position risk %.2f%% exceeds limit %.2f%%. Suggested max size: $%.0f",
			portfolioRiskPct, maxRiskPct, suggestedSize)
	}
	return ""
}

func (e *advancedEvaluator) checkDrawdown(adv config.AdvancedLimits) string {
	if adv.MaxDrawdownPct <= 0 {
		return ""
	}
	currentValueF, _ := e.portfolio.TotalValue.Float64()
	hwmF, _ := e.counters.HighWaterMark.Float64()

	if hwmF <= 0 || currentValueF > hwmF {
		e.metrics["high_water_mark"] = currentValueF
		e.metrics["drawdown_pct"] = 0
		return ""
	}

	drawdown := hwmF - currentValueF
	drawdownPct := drawdown / hwmF * 100
	e.metrics["high_water_mark"] = hwmF
	e.metrics["current_value"] = currentValueF
	e.metrics["drawdown_pct"] = drawdownPct

	if drawdownPct > adv.MaxDrawdownPct {
		return fmt.Sprintf("R11: Portfolio drawdown %.2f%% exceeds limit %.1f%%. Trading halted until recovery.",
			drawdownPct, adv.MaxDrawdownPct)
	}
	return ""
}

func (e *advancedEvaluator) checkTimeRestrictions(adv config.AdvancedLimits) string {
	current := e.currentTime.UTC()
	nowMinutes := current.Hour()*60 + current.Minute()
	window := e.policy.TradingHours
	openMinutes := window.OpenHourUTC*60 + window.OpenMinUTC
	closeMinutes := window.CloseHourUTC*60 + window.CloseMinUTC

	openAvoidEnd := openMinutes + adv.RestrictedMinutes
	closeAvoidStart := closeMinutes - adv.RestrictedMinutes

	if nowMinutes >= openMinutes && nowMinutes < openAvoidEnd {
		sinceOpen := nowMinutes - openMinutes
		return fmt.Sprintf("R12: Too close to market open (%d min). Wait %d more minutes.",
			sinceOpen, adv.RestrictedMinutes-sinceOpen)
	}
	if nowMinutes >= closeAvoidStart && nowMinutes < closeMinutes {
		toClose := closeMinutes - nowMinutes
		return fmt.Sprintf("R12: Too close to market close (%d min remaining). Trading restricted in final %d minutes.",
			toClose, adv.RestrictedMinutes)
	}
	return ""
}
