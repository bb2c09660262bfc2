package riskengine

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ordergate/config"
	"ordergate/core/types"
)

// basicEvaluator runs R1-R8 in fixed order.
type basicEvaluator struct {
	policy      *config.RiskPolicy
	intent      *types.OrderIntent
	portfolio   Portfolio
	simulation  *types.SimulationResult
	currentTime time.Time
	counters    DailyCounters
	metrics     map[string]float64
}

func newBasicEvaluator(
	policy *config.RiskPolicy,
	intent *types.OrderIntent,
	portfolio Portfolio,
	simulation *types.SimulationResult,
	currentTime time.Time,
	counters DailyCounters,
	metrics map[string]float64,
) *basicEvaluator {
	return &basicEvaluator{
		policy: policy, intent: intent, portfolio: portfolio, simulation: simulation,
		currentTime: currentTime, counters: counters, metrics: metrics,
	}
}

func (e *basicEvaluator) run() (violated []string, phrases []string) {
	limits := e.policy.Limits

	// R1: maximum gross notional per order.
	grossNotional, _ := e.simulation.GrossNotional.Float64()
	e.metrics["gross_notional"] = grossNotional
	if e.policy.RuleEnabled("R1") && e.simulation.GrossNotional.GreaterThan(limits.MaxNotional) {
		violated = append(violated, "R1")
		phrases = append(phrases, fmt.Sprintf("R1: Notional $%s exceeds limit $%s",
			formatMoney(e.simulation.GrossNotional), formatMoney(limits.MaxNotional)))
	}

	// R2: post-trade position value as % of portfolio.
	if e.policy.RuleEnabled("R2") {
		if violation, phrase := e.checkPositionPct(limits); violation {
			violated = append(violated, "R2")
			phrases = append(phrases, phrase)
		}
	}

	// R3: sector exposure — stub, behind SectorDataAvailable flag.
	if e.policy.RuleEnabled("R3") {
		e.metrics["sector_data_available"] = boolFloat(e.policy.SectorDataAvailable)
	}

	// R4: slippage in basis points.
	if e.policy.RuleEnabled("R4") && e.simulation.EstimatedSlippage.Sign() > 0 {
		slippageBps := e.simulation.EstimatedSlippage.Div(e.simulation.GrossNotional).Mul(decimal.NewFromInt(10000))
		slipF, _ := slippageBps.Float64()
		e.metrics["slippage_bps"] = slipF
		if slipF > limits.MaxSlippageBps {
			violated = append(violated, "R4")
			phrases = append(phrases, fmt.Sprintf("R4: Slippage %.1f bps exceeds limit %.1f bps", slipF, limits.MaxSlippageBps))
		}
	}

	// R5: trading hours window.
	if e.policy.RuleEnabled("R5") && !marketOpen(e.policy.TradingHours, limits, e.currentTime) {
		violated = append(violated, "R5")
		phrases = append(phrases, "R5: Trading outside allowed market hours")
	}

	// R6: minimum daily volume — stub, behind MinVolumeDataAvailable flag.
	if e.policy.RuleEnabled("R6") {
		e.metrics["min_volume_data_available"] = boolFloat(e.policy.MinVolumeDataAvailable)
	}

	// R7: daily trade count.
	e.metrics["daily_trades_count"] = float64(e.counters.TradesCount)
	if e.policy.RuleEnabled("R7") && e.counters.TradesCount >= limits.MaxDailyTrades {
		violated = append(violated, "R7")
		phrases = append(phrases, fmt.Sprintf("R7: Daily trade limit reached (%d/%d)", e.counters.TradesCount, limits.MaxDailyTrades))
	}

	// R8: daily P&L floor.
	pnlF, _ := e.counters.PnL.Float64()
	e.metrics["daily_pnl"] = pnlF
	if e.policy.RuleEnabled("R8") && e.counters.PnL.LessThan(limits.MaxDailyLoss.Neg()) {
		violated = append(violated, "R8")
		phrases = append(phrases, fmt.Sprintf("R8: Daily loss limit exceeded ($%s / -$%s)",
			formatMoney(e.counters.PnL), formatMoney(limits.MaxDailyLoss)))
	}

	return violated, phrases
}

func (e *basicEvaluator) checkPositionPct(limits config.NumericLimits) (bool, string) {
	if e.portfolio.TotalValue.Sign() <= 0 {
		return false, ""
	}
	symbol := e.intent.Instrument.Symbol
	currentPositionValue := decimal.Zero
	for _, pos := range e.portfolio.Positions {
		if pos.Symbol == symbol {
			currentPositionValue = pos.MarketValue
			break
		}
	}
	var positionAfter decimal.Decimal
	if e.intent.Side == types.SideBuy {
		positionAfter = currentPositionValue.Add(e.simulation.GrossNotional)
	} else {
		positionAfter = currentPositionValue.Sub(e.simulation.GrossNotional)
	}
	positionPct := positionAfter.Div(e.portfolio.TotalValue).Mul(decimal.NewFromInt(100))
	pctF, _ := positionPct.Float64()
	e.metrics["position_pct"] = pctF
	if pctF > limits.MaxPositionPct {
		return true, fmt.Sprintf("R2: Position size %.1f%% exceeds limit %.1f%%", pctF, limits.MaxPositionPct)
	}
	return false, ""
}

// marketOpen implements R5: regular hours, optionally extended to
// pre-market and/or after-hours.
func marketOpen(window config.TradingHours, limits config.NumericLimits, current time.Time) bool {
	current = current.UTC()
	openMinutes := window.OpenHourUTC*60 + window.OpenMinUTC
	closeMinutes := window.CloseHourUTC*60 + window.CloseMinUTC
	nowMinutes := current.Hour()*60 + current.Minute()

	if nowMinutes >= openMinutes && nowMinutes <= closeMinutes {
		return true
	}
	if limits.AllowPreMarket && nowMinutes < openMinutes {
		return true
	}
	if limits.AllowAfterHours && nowMinutes > closeMinutes {
		return true
	}
	return false
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// formatMoney renders d to two decimal places with a thousands separator
// for rejection-reason phrasing (e.g. "$60,000.00").
func formatMoney(d decimal.Decimal) string {
	fixed := d.StringFixed(2)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign = "-"
		fixed = fixed[1:]
	}
	whole, frac, _ := strings.Cut(fixed, ".")

	var grouped strings.Builder
	for i, digit := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			grouped.WriteByte(',')
		}
		grouped.WriteRune(digit)
	}
	return sign + grouped.String() + "." + frac
}
