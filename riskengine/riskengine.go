// Package riskengine implements the deterministic, tri-valued risk
// evaluation: twelve composable rules (R1-R8 basic, R9-R12 advanced)
// evaluated in fixed order with aggregated failure reporting. The engine
// is a pure function of its inputs; daily counters and the portfolio
// high-water-mark are explicit caller-supplied values.
package riskengine

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"ordergate/config"
	"ordergate/core/types"
)

// Position is the minimal per-symbol portfolio state R2 needs.
type Position struct {
	Symbol      string
	MarketValue decimal.Decimal
}

// Portfolio is the minimal portfolio state the engine consumes.
type Portfolio struct {
	TotalValue decimal.Decimal
	Positions  []Position
}

// DailyCounters are the explicit, caller-maintained running totals R7/R8/R11
// depend on. The caller (approval.Service) persists these per account per
// UTC day and threads the updated HighWaterMark back in on the next call.
type DailyCounters struct {
	TradesCount   int
	PnL           decimal.Decimal
	HighWaterMark decimal.Decimal
}

// VolatilityMetrics supplies R9's inputs. A nil pointer means R9 is skipped
// for lack of data.
type VolatilityMetrics struct {
	SymbolVolatility *float64
	MarketVolatility *float64
	Beta             *float64
}

// EffectiveVolatility returns SymbolVolatility if set, else Beta*MarketVolatility.
func (v *VolatilityMetrics) EffectiveVolatility() *float64 {
	if v == nil {
		return nil
	}
	if v.SymbolVolatility != nil {
		return v.SymbolVolatility
	}
	if v.Beta != nil && v.MarketVolatility != nil {
		eff := *v.Beta * *v.MarketVolatility
		return &eff
	}
	return nil
}

// Engine evaluates orders against a configured RiskPolicy. The policy is
// swappable at runtime via Reload; an in-flight evaluation keeps the policy
// it started with.
type Engine struct {
	policy atomic.Pointer[config.RiskPolicy]
}

// New constructs an Engine bound to the given policy document.
func New(policy *config.RiskPolicy) *Engine {
	e := &Engine{}
	e.policy.Store(policy)
	return e
}

// Policy returns the currently active policy document.
func (e *Engine) Policy() *config.RiskPolicy {
	return e.policy.Load()
}

// Reload replaces the active policy with a freshly loaded document from
// path, without restarting the process.
func (e *Engine) Reload(path string) error {
	policy, err := config.LoadRiskPolicy(path)
	if err != nil {
		return err
	}
	e.policy.Store(policy)
	return nil
}

// simulationFailedRule is the synthetic violated-rule id reported when the
// simulation itself did not succeed; no further rules are evaluated.
const simulationFailedRule = "SIMULATION_FAILED"

// Evaluate runs the fixed rule sequence over the supplied inputs and
// returns an immutable RiskDecision. Identical inputs produce identical
// decisions and metric maps.
func (e *Engine) Evaluate(
	intent *types.OrderIntent,
	portfolio Portfolio,
	simulation *types.SimulationResult,
	currentTime time.Time,
	counters DailyCounters,
	volatility *VolatilityMetrics,
) *types.RiskDecision {
	policy := e.policy.Load()
	metrics := map[string]float64{}

	if simulation == nil || simulation.Status != types.SimulationStatusSuccess {
		reason := "Simulation failed"
		if simulation != nil && simulation.ErrorMessage != "" {
			reason = "Simulation failed: " + simulation.ErrorMessage
		}
		return &types.RiskDecision{
			Decision:      types.RiskDecisionReject,
			Reason:        reason,
			ViolatedRules: []string{simulationFailedRule},
			Metrics:       metrics,
		}
	}

	var violated []string
	var phrases []string

	evalBasic := newBasicEvaluator(policy, intent, portfolio, simulation, currentTime, counters, metrics)
	basicViolated, basicPhrases := evalBasic.run()
	violated = append(violated, basicViolated...)
	phrases = append(phrases, basicPhrases...)

	if policy.HasAdvanced() {
		evalAdv := newAdvancedEvaluator(policy, portfolio, simulation, counters, volatility, currentTime, metrics)
		advViolated, advPhrases := evalAdv.run()
		violated = append(violated, advViolated...)
		phrases = append(phrases, advPhrases...)
	}

	if len(violated) > 0 {
		return &types.RiskDecision{
			Decision:      types.RiskDecisionReject,
			Reason:        strings.Join(phrases, "; "),
			ViolatedRules: violated,
			Metrics:       metrics,
		}
	}

	warnings := softWarnings(policy, metrics, volatility)
	return &types.RiskDecision{
		Decision: types.RiskDecisionApprove,
		Reason:   "All risk checks passed",
		Warnings: warnings,
		Metrics:  metrics,
	}
}

func softWarnings(policy *config.RiskPolicy, metrics map[string]float64, volatility *VolatilityMetrics) []string {
	var warnings []string
	maxNotional, _ := policy.Limits.MaxNotional.Float64()
	if gross, ok := metrics["gross_notional"]; ok && gross > maxNotional*0.8 {
		warnings = append(warnings, "Notional is approaching the configured limit")
	}
	if pct, ok := metrics["position_pct"]; ok && pct >= policy.Limits.MaxPositionPct*0.8 {
		warnings = append(warnings, "Position size is approaching the configured limit")
	}
	if eff := volatility.EffectiveVolatility(); eff != nil && *eff > 0.30 {
		warnings = append(warnings, "High volatility detected; consider a reduced size")
	}
	return warnings
}
