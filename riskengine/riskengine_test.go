package riskengine_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ordergate/config"
	"ordergate/core/types"
	"ordergate/riskengine"
)

func basicPolicy() *config.RiskPolicy {
	return &config.RiskPolicy{
		Limits: config.NumericLimits{
			MaxNotional:    decimal.NewFromInt(10000),
			MaxPositionPct: 25,
			MaxSlippageBps: 50,
			MaxDailyTrades: 10,
			MaxDailyLoss:   decimal.NewFromInt(1000),
		},
		TradingHours: config.TradingHours{OpenHourUTC: 13, OpenMinUTC: 30, CloseHourUTC: 20, CloseMinUTC: 0},
		EnabledRules: map[string]bool{
			"R1": true, "R2": true, "R3": true, "R4": true, "R5": true,
			"R6": true, "R7": true, "R8": true,
		},
	}
}

func successfulSimulation(gross string) *types.SimulationResult {
	return &types.SimulationResult{
		Status:        types.SimulationStatusSuccess,
		GrossNotional: decimal.RequireFromString(gross),
	}
}

func sampleIntent() *types.OrderIntent {
	return &types.OrderIntent{
		AccountID:   "acct-1",
		Instrument:  types.Instrument{Type: "equity", Symbol: "AAPL", Exchange: "NASDAQ", Currency: "USD"},
		Side:        types.SideBuy,
		Quantity:    decimal.NewFromInt(10),
		OrderType:   types.OrderTypeMarket,
		TimeInForce: types.TIFDay,
		Reason:      "rebalancing per model signal",
	}
}

func withinHours() time.Time {
	return time.Date(2026, 7, 30, 15, 0, 0, 0, time.UTC)
}

func TestEvaluate_SimulationFailed_Rejects(t *testing.T) {
	engine := riskengine.New(basicPolicy())
	sim := &types.SimulationResult{Status: types.SimulationStatusFailed, ErrorMessage: "no liquidity"}
	decision := engine.Evaluate(sampleIntent(), riskengine.Portfolio{TotalValue: decimal.NewFromInt(100000)}, sim, withinHours(), riskengine.DailyCounters{}, nil)
	require.Equal(t, types.RiskDecisionReject, decision.Decision)
	require.Contains(t, decision.ViolatedRules, "SIMULATION_FAILED")
}

func TestEvaluate_R1_NotionalAtLimit_Approves(t *testing.T) {
	engine := riskengine.New(basicPolicy())
	sim := successfulSimulation("10000")
	decision := engine.Evaluate(sampleIntent(), riskengine.Portfolio{TotalValue: decimal.NewFromInt(100000)}, sim, withinHours(), riskengine.DailyCounters{}, nil)
	require.Equal(t, types.RiskDecisionApprove, decision.Decision)
}

func TestEvaluate_R1_NotionalOverLimit_Rejects(t *testing.T) {
	engine := riskengine.New(basicPolicy())
	sim := successfulSimulation("10000.01")
	decision := engine.Evaluate(sampleIntent(), riskengine.Portfolio{TotalValue: decimal.NewFromInt(100000)}, sim, withinHours(), riskengine.DailyCounters{}, nil)
	require.Equal(t, types.RiskDecisionReject, decision.Decision)
	require.Contains(t, decision.ViolatedRules, "R1")
	require.Contains(t, decision.Reason, "R1: Notional $10,000.01 exceeds limit $10,000.00")
}

func TestEvaluate_R2_PositionPct(t *testing.T) {
	engine := riskengine.New(basicPolicy())
	portfolio := riskengine.Portfolio{
		TotalValue: decimal.NewFromInt(40000),
		Positions:  []riskengine.Position{{Symbol: "AAPL", MarketValue: decimal.NewFromInt(9000)}},
	}
	sim := successfulSimulation("2000")
	decision := engine.Evaluate(sampleIntent(), portfolio, sim, withinHours(), riskengine.DailyCounters{}, nil)
	require.Equal(t, types.RiskDecisionReject, decision.Decision)
	require.Contains(t, decision.ViolatedRules, "R2")
}

func TestEvaluate_R5_OutsideTradingHours_Rejects(t *testing.T) {
	engine := riskengine.New(basicPolicy())
	sim := successfulSimulation("1000")
	before := time.Date(2026, 7, 30, 13, 29, 59, 0, time.UTC)
	decision := engine.Evaluate(sampleIntent(), riskengine.Portfolio{TotalValue: decimal.NewFromInt(100000)}, sim, before, riskengine.DailyCounters{}, nil)
	require.Equal(t, types.RiskDecisionReject, decision.Decision)
	require.Contains(t, decision.ViolatedRules, "R5")
}

func TestEvaluate_R5_AtMarketOpen_Approves(t *testing.T) {
	engine := riskengine.New(basicPolicy())
	sim := successfulSimulation("1000")
	atOpen := time.Date(2026, 7, 30, 13, 30, 0, 0, time.UTC)
	decision := engine.Evaluate(sampleIntent(), riskengine.Portfolio{TotalValue: decimal.NewFromInt(100000)}, sim, atOpen, riskengine.DailyCounters{}, nil)
	require.Equal(t, types.RiskDecisionApprove, decision.Decision)
}

func TestEvaluate_R7_DailyTradeLimit_Rejects(t *testing.T) {
	engine := riskengine.New(basicPolicy())
	sim := successfulSimulation("1000")
	counters := riskengine.DailyCounters{TradesCount: 10}
	decision := engine.Evaluate(sampleIntent(), riskengine.Portfolio{TotalValue: decimal.NewFromInt(100000)}, sim, withinHours(), counters, nil)
	require.Equal(t, types.RiskDecisionReject, decision.Decision)
	require.Contains(t, decision.ViolatedRules, "R7")
}

func TestEvaluate_R8_DailyLossLimit_Rejects(t *testing.T) {
	engine := riskengine.New(basicPolicy())
	sim := successfulSimulation("1000")
	counters := riskengine.DailyCounters{PnL: decimal.NewFromInt(-1001)}
	decision := engine.Evaluate(sampleIntent(), riskengine.Portfolio{TotalValue: decimal.NewFromInt(100000)}, sim, withinHours(), counters, nil)
	require.Equal(t, types.RiskDecisionReject, decision.Decision)
	require.Contains(t, decision.ViolatedRules, "R8")
}

func TestEvaluate_R9_VolatilitySizing_SuggestsReducedSize(t *testing.T) {
	policy := basicPolicy()
	policy.Limits.MaxNotional = decimal.NewFromInt(1000000)
	policy.Advanced = config.AdvancedLimits{MaxPositionVolatility: 0.10}
	engine := riskengine.New(policy)

	sim := successfulSimulation("8000")
	vol := 0.5
	volatility := &riskengine.VolatilityMetrics{SymbolVolatility: &vol}
	portfolio := riskengine.Portfolio{TotalValue: decimal.NewFromInt(20000)}

	decision := engine.Evaluate(sampleIntent(), portfolio, sim, withinHours(), riskengine.DailyCounters{}, volatility)
	require.Equal(t, types.RiskDecisionReject, decision.Decision)
	require.Contains(t, decision.ViolatedRules, "R9")
	require.InDelta(t, 4000.0, decision.Metrics["suggested_position_size"], 0.01)
}

func TestEvaluate_R9_NoVolatilityData_Skips(t *testing.T) {
	policy := basicPolicy()
	policy.Advanced = config.AdvancedLimits{MaxPositionVolatility: 0.10}
	engine := riskengine.New(policy)
	sim := successfulSimulation("1000")
	decision := engine.Evaluate(sampleIntent(), riskengine.Portfolio{TotalValue: decimal.NewFromInt(100000)}, sim, withinHours(), riskengine.DailyCounters{}, nil)
	require.Equal(t, types.RiskDecisionApprove, decision.Decision)
}

func TestEvaluate_R11_Drawdown_HaltsTrading(t *testing.T) {
	policy := basicPolicy()
	policy.Advanced = config.AdvancedLimits{MaxDrawdownPct: 10}
	engine := riskengine.New(policy)
	sim := successfulSimulation("1000")
	counters := riskengine.DailyCounters{HighWaterMark: decimal.NewFromInt(100000)}
	portfolio := riskengine.Portfolio{TotalValue: decimal.NewFromInt(85000)}
	decision := engine.Evaluate(sampleIntent(), portfolio, sim, withinHours(), counters, nil)
	require.Equal(t, types.RiskDecisionReject, decision.Decision)
	require.Contains(t, decision.ViolatedRules, "R11")
}

func TestEvaluate_R12_TooCloseToMarketOpen_Rejects(t *testing.T) {
	policy := basicPolicy()
	policy.Advanced = config.AdvancedLimits{RestrictedMinutes: 15}
	engine := riskengine.New(policy)
	sim := successfulSimulation("1000")
	nearOpen := time.Date(2026, 7, 30, 13, 35, 0, 0, time.UTC)
	decision := engine.Evaluate(sampleIntent(), riskengine.Portfolio{TotalValue: decimal.NewFromInt(100000)}, sim, nearOpen, riskengine.DailyCounters{}, nil)
	require.Equal(t, types.RiskDecisionReject, decision.Decision)
	require.Contains(t, decision.ViolatedRules, "R12")
}

func TestEngine_Reload_SwapsPolicyWithoutRestart(t *testing.T) {
	engine := riskengine.New(basicPolicy())
	sim := successfulSimulation("9000")
	decision := engine.Evaluate(sampleIntent(), riskengine.Portfolio{TotalValue: decimal.NewFromInt(100000)}, sim, withinHours(), riskengine.DailyCounters{}, nil)
	require.Equal(t, types.RiskDecisionApprove, decision.Decision)

	path := filepath.Join(t.TempDir(), "risk_policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limits:\n  max_notional: \"5000\"\n"), 0o644))
	require.NoError(t, engine.Reload(path))

	decision = engine.Evaluate(sampleIntent(), riskengine.Portfolio{TotalValue: decimal.NewFromInt(100000)}, sim, withinHours(), riskengine.DailyCounters{}, nil)
	require.Equal(t, types.RiskDecisionReject, decision.Decision)
	require.Contains(t, decision.ViolatedRules, "R1")

	require.Error(t, engine.Reload(filepath.Join(t.TempDir(), "missing.yaml")))
	require.True(t, engine.Policy().Limits.MaxNotional.Equal(decimal.NewFromInt(5000)), "a failed reload keeps the previous policy")
}

func TestEvaluate_SoftWarning_HighVolatility(t *testing.T) {
	policy := basicPolicy()
	engine := riskengine.New(policy)
	sim := successfulSimulation("1000")
	vol := 0.35
	volatility := &riskengine.VolatilityMetrics{SymbolVolatility: &vol}
	decision := engine.Evaluate(sampleIntent(), riskengine.Portfolio{TotalValue: decimal.NewFromInt(100000)}, sim, withinHours(), riskengine.DailyCounters{}, volatility)
	require.Equal(t, types.RiskDecisionApprove, decision.Decision)
	require.Contains(t, decision.Warnings, "High volatility detected; consider a reduced size")
}
