// Package simulator implements the pure trade-cost estimator: a per-share
// commission model plus a size-dependent market-impact slippage model,
// computed with exact decimals. Every order is simulated against the
// current portfolio before it ever reaches the risk gate.
package simulator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ordergate/broker"
	"ordergate/core/types"
)

// bpsDenominator is the decimal denominator for basis-point conversions.
var bpsDenominator = decimal.NewFromInt(10000)

// Config tunes the fee and slippage model. Zero-value Config falls back to
// Defaults().
type Config struct {
	BaseSlippageBps decimal.Decimal
	MarketImpactBps decimal.Decimal
	FeePerShare     decimal.Decimal
	MinFee          decimal.Decimal
	MaxFeePct       decimal.Decimal
	LargeTradePct   decimal.Decimal
	SlippageWarnPct decimal.Decimal
}

// Defaults returns the simulator's default cost model: per-share commission
// with a minimum and a cap as a fraction of notional, plus a market-impact slippage term that grows
// linearly per $10k of notional.
func Defaults() Config {
	return Config{
		BaseSlippageBps: decimal.NewFromFloat(2),
		MarketImpactBps: decimal.NewFromFloat(1),
		FeePerShare:     decimal.NewFromFloat(0.005),
		MinFee:          decimal.NewFromFloat(1),
		MaxFeePct:       decimal.NewFromFloat(0.01),
		LargeTradePct:   decimal.NewFromFloat(0.20),
		SlippageWarnPct: decimal.NewFromFloat(0.001),
	}
}

func (c Config) withDefaults() Config {
	d := Defaults()
	if c.BaseSlippageBps.IsZero() {
		c.BaseSlippageBps = d.BaseSlippageBps
	}
	if c.MarketImpactBps.IsZero() {
		c.MarketImpactBps = d.MarketImpactBps
	}
	if c.FeePerShare.IsZero() {
		c.FeePerShare = d.FeePerShare
	}
	if c.MinFee.IsZero() {
		c.MinFee = d.MinFee
	}
	if c.MaxFeePct.IsZero() {
		c.MaxFeePct = d.MaxFeePct
	}
	if c.LargeTradePct.IsZero() {
		c.LargeTradePct = d.LargeTradePct
	}
	if c.SlippageWarnPct.IsZero() {
		c.SlippageWarnPct = d.SlippageWarnPct
	}
	return c
}

// Simulator is a pure function object: Simulate never mutates the intent or
// portfolio it is given and produces identical output for identical input.
type Simulator struct {
	cfg Config
}

// New constructs a Simulator with the given cost-model configuration.
func New(cfg Config) *Simulator {
	return &Simulator{cfg: cfg.withDefaults()}
}

// Simulate estimates the cost and portfolio impact of executing intent
// against portfolio at marketPrice.
func (s *Simulator) Simulate(intent *types.OrderIntent, portfolio broker.PortfolioSnapshot, marketPrice decimal.Decimal) *types.SimulationResult {
	if intent.Quantity.Sign() <= 0 {
		return &types.SimulationResult{
			Status:       types.SimulationStatusFailed,
			ErrorMessage: fmt.Sprintf("invalid quantity: %s", intent.Quantity.String()),
		}
	}

	executionPrice, ok := estimateExecutionPrice(intent, marketPrice)
	if !ok {
		return &types.SimulationResult{
			Status:       types.SimulationStatusFailed,
			ErrorMessage: "cannot determine execution price",
		}
	}

	grossNotional := executionPrice.Mul(intent.Quantity)
	estimatedSlippage := s.calculateSlippage(intent.OrderType, grossNotional)
	estimatedFee := s.calculateFee(grossNotional, intent.Quantity)

	var warnings []string
	if estimatedSlippage.GreaterThan(grossNotional.Mul(s.cfg.SlippageWarnPct)) && grossNotional.Sign() > 0 {
		pct := estimatedSlippage.Div(grossNotional).Mul(decimal.NewFromInt(100))
		warnings = append(warnings, fmt.Sprintf("Significant estimated slippage: $%s (%s%%)",
			estimatedSlippage.StringFixed(2), pct.StringFixed(2)))
	}

	var netNotional decimal.Decimal
	if intent.Side == types.SideBuy {
		netNotional = grossNotional.Add(estimatedFee).Add(estimatedSlippage)
	} else {
		netNotional = grossNotional.Sub(estimatedFee).Sub(estimatedSlippage)
	}

	cashBefore := portfolio.Cash
	var cashAfter decimal.Decimal
	if intent.Side == types.SideBuy {
		cashAfter = cashBefore.Sub(netNotional)
	} else {
		cashAfter = cashBefore.Add(netNotional)
	}

	if intent.Side == types.SideBuy && cashAfter.Sign() < 0 {
		return &types.SimulationResult{
			Status:            types.SimulationStatusFailed,
			ExecutionPrice:    executionPrice,
			GrossNotional:     grossNotional,
			EstimatedFee:      estimatedFee,
			EstimatedSlippage: estimatedSlippage,
			NetNotional:       netNotional,
			CashBefore:        cashBefore,
			CashAfter:         cashAfter,
			ErrorMessage: fmt.Sprintf("insufficient cash: need $%s, have $%s",
				netNotional.StringFixed(2), cashBefore.StringFixed(2)),
		}
	}

	exposureBefore := portfolio.TotalValue
	var exposureAfter decimal.Decimal
	if intent.Side == types.SideBuy {
		exposureAfter = exposureBefore.Add(grossNotional)
	} else {
		exposureAfter = exposureBefore.Sub(grossNotional)
	}

	if violation := checkConstraints(intent, estimatedSlippage, grossNotional, netNotional); violation != "" {
		return &types.SimulationResult{
			Status:            types.SimulationStatusFailed,
			ExecutionPrice:    executionPrice,
			GrossNotional:     grossNotional,
			EstimatedFee:      estimatedFee,
			EstimatedSlippage: estimatedSlippage,
			NetNotional:       netNotional,
			CashBefore:        cashBefore,
			CashAfter:         cashAfter,
			ExposureBefore:    exposureBefore,
			ExposureAfter:     exposureAfter,
			ErrorMessage:      violation,
		}
	}

	if portfolio.TotalValue.Sign() > 0 && grossNotional.GreaterThan(portfolio.TotalValue.Mul(s.cfg.LargeTradePct)) {
		pct := grossNotional.Div(portfolio.TotalValue).Mul(decimal.NewFromInt(100))
		warnings = append(warnings, fmt.Sprintf("Large trade: $%s is %s%% of portfolio",
			grossNotional.StringFixed(2), pct.StringFixed(1)))
	}

	return &types.SimulationResult{
		Status:            types.SimulationStatusSuccess,
		ExecutionPrice:    executionPrice,
		GrossNotional:     grossNotional,
		EstimatedFee:      estimatedFee,
		EstimatedSlippage: estimatedSlippage,
		NetNotional:       netNotional,
		CashBefore:        cashBefore,
		CashAfter:         cashAfter,
		ExposureBefore:    exposureBefore,
		ExposureAfter:     exposureAfter,
		Warnings:          warnings,
	}
}

func estimateExecutionPrice(intent *types.OrderIntent, marketPrice decimal.Decimal) (decimal.Decimal, bool) {
	switch intent.OrderType {
	case types.OrderTypeMarket:
		return marketPrice, true
	case types.OrderTypeLimit:
		if intent.LimitPrice == nil {
			return decimal.Zero, false
		}
		return *intent.LimitPrice, true
	case types.OrderTypeStop:
		if intent.StopPrice == nil {
			return decimal.Zero, false
		}
		return *intent.StopPrice, true
	case types.OrderTypeStopLimit:
		if intent.LimitPrice == nil {
			return decimal.Zero, false
		}
		return *intent.LimitPrice, true
	default:
		return decimal.Zero, false
	}
}

// calculateSlippage applies a flat base-bps cost plus a market-impact term
// proportional to trade size; limit-family orders carry no slippage by
// definition (the limit price already bounds the fill).
func (s *Simulator) calculateSlippage(orderType types.OrderType, grossNotional decimal.Decimal) decimal.Decimal {
	if orderType == types.OrderTypeLimit || orderType == types.OrderTypeStopLimit {
		return decimal.Zero
	}
	baseSlippage := grossNotional.Mul(s.cfg.BaseSlippageBps).Div(bpsDenominator)
	sizeFactor := grossNotional.Div(decimal.NewFromInt(10000))
	marketImpactBps := s.cfg.MarketImpactBps.Mul(sizeFactor)
	marketImpact := grossNotional.Mul(marketImpactBps).Div(bpsDenominator)
	return baseSlippage.Add(marketImpact)
}

func (s *Simulator) calculateFee(grossNotional, quantity decimal.Decimal) decimal.Decimal {
	fee := s.cfg.FeePerShare.Mul(quantity)
	if fee.LessThan(s.cfg.MinFee) {
		fee = s.cfg.MinFee
	}
	maxFee := grossNotional.Mul(s.cfg.MaxFeePct)
	if fee.GreaterThan(maxFee) {
		fee = maxFee
	}
	return fee
}

func checkConstraints(intent *types.OrderIntent, estimatedSlippage, grossNotional, netNotional decimal.Decimal) string {
	c := intent.Constraints
	if c.MaxSlippageBps != nil && grossNotional.Sign() > 0 {
		slippageBps := estimatedSlippage.Div(grossNotional).Mul(bpsDenominator)
		maxBps := decimal.NewFromFloat(*c.MaxSlippageBps)
		if slippageBps.GreaterThan(maxBps) {
			return fmt.Sprintf("estimated slippage %s bps exceeds max %s bps",
				slippageBps.StringFixed(1), maxBps.StringFixed(1))
		}
	}
	if c.MaxNotional != nil && netNotional.GreaterThan(*c.MaxNotional) {
		return fmt.Sprintf("net notional $%s exceeds max $%s",
			netNotional.StringFixed(2), c.MaxNotional.StringFixed(2))
	}
	return ""
}
