package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ordergate/approval"
	"ordergate/audit"
	"ordergate/broker"
	"ordergate/core/types"
	"ordergate/killswitch"
	"ordergate/riskengine"
	"ordergate/simulator"
)

// Deps bundles the collaborators the default tool set dispatches into. None
// of these are owned by toolserver: it only ever routes into them.
type Deps struct {
	Approvals *approval.Service
	Counters  *approval.CounterStore
	Broker    broker.Adapter
	Risk      *riskengine.Engine
	Sim       *simulator.Simulator
	Kill      *killswitch.KillSwitch
	Log       audit.Log
	NowFunc   func() time.Time
}

func (d Deps) now() time.Time {
	if d.NowFunc != nil {
		return d.NowFunc()
	}
	return time.Now()
}

type instrumentArgs struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// tradeIntentArgs is the strict wire schema shared by every tool that takes
// an order intent as input; embedded (not composed via a shared pointer) so
// DisallowUnknownFields still rejects fields outside the promoted set.
type tradeIntentArgs struct {
	AccountID      string           `json:"account_id"`
	Instrument     instrumentArgs   `json:"instrument"`
	Side           string           `json:"side"`
	Quantity       decimal.Decimal  `json:"quantity"`
	OrderType      string           `json:"order_type"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce    string           `json:"time_in_force"`
	Reason         string           `json:"reason"`
	StrategyTag    string           `json:"strategy_tag,omitempty"`
	MaxSlippageBps *float64         `json:"max_slippage_bps,omitempty"`
	MaxNotional    *decimal.Decimal `json:"max_notional,omitempty"`
}

func (a tradeIntentArgs) toIntent() (*types.OrderIntent, error) {
	side, err := types.ParseSide(a.Side)
	if err != nil {
		return nil, err
	}
	orderType, err := types.ParseOrderType(a.OrderType)
	if err != nil {
		return nil, err
	}
	tif, err := types.ParseTimeInForce(a.TimeInForce)
	if err != nil {
		return nil, err
	}
	intent := &types.OrderIntent{
		AccountID: a.AccountID,
		Instrument: types.Instrument{
			Type:     a.Instrument.Type,
			Symbol:   a.Instrument.Symbol,
			Exchange: a.Instrument.Exchange,
			Currency: a.Instrument.Currency,
		},
		Side:        side,
		Quantity:    a.Quantity,
		OrderType:   orderType,
		LimitPrice:  a.LimitPrice,
		StopPrice:   a.StopPrice,
		TimeInForce: tif,
		Reason:      a.Reason,
		StrategyTag: a.StrategyTag,
		Constraints: types.Constraints{
			MaxSlippageBps: a.MaxSlippageBps,
			MaxNotional:    a.MaxNotional,
		},
	}
	return types.Sanitize(intent)
}

type simulateTradeArgs struct {
	tradeIntentArgs
	MarketPrice decimal.Decimal `json:"market_price"`
}

type evaluateRiskArgs struct {
	simulateTradeArgs
	SymbolVolatility *float64 `json:"symbol_volatility,omitempty"`
	MarketVolatility *float64 `json:"market_volatility,omitempty"`
	Beta             *float64 `json:"beta,omitempty"`
}

type requestApprovalArgs struct {
	simulateTradeArgs
}

type getPortfolioArgs struct {
	AccountID string `json:"account_id"`
}

type getProposalArgs struct {
	ProposalID string `json:"proposal_id"`
}

func toRiskPortfolio(snap broker.PortfolioSnapshot) riskengine.Portfolio {
	positions := make([]riskengine.Position, 0, len(snap.Positions))
	for symbol, value := range snap.Positions {
		positions = append(positions, riskengine.Position{Symbol: symbol, MarketValue: value})
	}
	return riskengine.Portfolio{TotalValue: snap.TotalValue, Positions: positions}
}

func correlationFor(ctx context.Context) (context.Context, string) {
	id := audit.CorrelationID(ctx)
	if id == "" || id == audit.NoCorrelationID {
		id = uuid.NewString()
		ctx = audit.WithCorrelationID(ctx, id)
	}
	return ctx, id
}

// RegisterDefaultTools installs the fixed allow-list of agent-facing
// operations against deps: the read-only tools (portfolio lookup,
// simulation, risk evaluation, proposal lookup) and the single gated write
// tool request_approval, which is the agent's only entry point into
// approval.Service.
func RegisterDefaultTools(reg *Registry, deps Deps) {
	reg.Register(Tool{
		Name:    "get_portfolio",
		NewArgs: func() any { return &getPortfolioArgs{} },
		Handle: func(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
			var args getPortfolioArgs
			if err := DecodeStrict(raw, &args); err != nil {
				return nil, err
			}
			return deps.Broker.Portfolio(ctx, args.AccountID)
		},
	})

	reg.Register(Tool{
		Name:    "simulate_trade",
		NewArgs: func() any { return &simulateTradeArgs{} },
		Handle: func(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
			var args simulateTradeArgs
			if err := DecodeStrict(raw, &args); err != nil {
				return nil, err
			}
			intent, err := args.toIntent()
			if err != nil {
				return nil, err
			}
			snap, err := deps.Broker.Portfolio(ctx, intent.AccountID)
			if err != nil {
				return nil, fmt.Errorf("fetch portfolio: %w", err)
			}
			return deps.Sim.Simulate(intent, snap, args.MarketPrice), nil
		},
	})

	reg.Register(Tool{
		Name:    "evaluate_risk",
		NewArgs: func() any { return &evaluateRiskArgs{} },
		Handle: func(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
			var args evaluateRiskArgs
			if err := DecodeStrict(raw, &args); err != nil {
				return nil, err
			}
			intent, err := args.toIntent()
			if err != nil {
				return nil, err
			}
			snap, err := deps.Broker.Portfolio(ctx, intent.AccountID)
			if err != nil {
				return nil, fmt.Errorf("fetch portfolio: %w", err)
			}
			sim := deps.Sim.Simulate(intent, snap, args.MarketPrice)
			now := deps.now()
			counters := deps.Counters.Snapshot(intent.AccountID, snap.TotalValue, now)
			var volatility *riskengine.VolatilityMetrics
			if args.SymbolVolatility != nil || args.MarketVolatility != nil || args.Beta != nil {
				volatility = &riskengine.VolatilityMetrics{
					SymbolVolatility: args.SymbolVolatility,
					MarketVolatility: args.MarketVolatility,
					Beta:             args.Beta,
				}
			}
			return deps.Risk.Evaluate(intent, toRiskPortfolio(snap), sim, now, counters, volatility), nil
		},
	})

	reg.Register(Tool{
		Name:    "get_proposal",
		NewArgs: func() any { return &getProposalArgs{} },
		Handle: func(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
			var args getProposalArgs
			if err := DecodeStrict(raw, &args); err != nil {
				return nil, err
			}
			return deps.Approvals.Get(args.ProposalID)
		},
	})

	reg.Register(Tool{
		Name:    "request_approval",
		Gated:   true,
		NewArgs: func() any { return &requestApprovalArgs{} },
		Handle: func(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
			if err := deps.Kill.Guard("tool.request_approval"); err != nil {
				return nil, err
			}
			var args requestApprovalArgs
			if err := DecodeStrict(raw, &args); err != nil {
				return nil, err
			}
			intent, err := args.toIntent()
			if err != nil {
				return nil, err
			}
			ctx, correlationID := correlationFor(ctx)

			snap, err := deps.Broker.Portfolio(ctx, intent.AccountID)
			if err != nil {
				return nil, fmt.Errorf("fetch portfolio: %w", err)
			}
			sim := deps.Sim.Simulate(intent, snap, args.MarketPrice)
			now := deps.now()
			counters := deps.Counters.Snapshot(intent.AccountID, snap.TotalValue, now)
			decision := deps.Risk.Evaluate(intent, toRiskPortfolio(snap), sim, now, counters, nil)

			proposal, err := deps.Approvals.CreateProposal(ctx, correlationID, intent, sim, decision)
			if err != nil {
				return nil, err
			}
			if decision.Decision == types.RiskDecisionApprove {
				proposal, err = deps.Approvals.RequestApproval(ctx, proposal.ID)
				if err != nil {
					return nil, err
				}
			}
			return proposal, nil
		},
	})
}
