package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"ordergate/approval"
	"ordergate/audit"
	"ordergate/broker"
	"ordergate/core/types"
	"ordergate/killswitch"
	"ordergate/metrics"
	"ordergate/riskengine"
	"ordergate/simulator"
)

// Deps bundles the collaborators the gateway's HTTP handlers dispatch into.
// Mirrors toolserver.Deps's "thin router, no ownership" shape (see
// toolserver/tools.go) since both surfaces front the same domain services.
type Deps struct {
	Approvals *approval.Service
	Counters  *approval.CounterStore
	Broker    broker.Adapter
	Submitter *broker.Submitter
	Risk      *riskengine.Engine
	Sim       *simulator.Simulator
	Kill      *killswitch.KillSwitch
	Metrics   *metrics.Collector
	Stats     *metrics.Statistics
	Log       audit.Log
	NowFunc   func() time.Time

	// MaxPolls and PollInterval bound the background status poll spawned
	// after a successful submission.
	MaxPolls     int
	PollInterval time.Duration
}

func (d Deps) now() time.Time {
	if d.NowFunc != nil {
		return d.NowFunc()
	}
	return time.Now()
}

type instrumentWire struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// intentWire is the strict wire schema shared by propose/simulate/evaluate;
// it mirrors toolserver's tradeIntentArgs since both surfaces front the
// same domain services.
type intentWire struct {
	AccountID      string           `json:"account_id"`
	Instrument     instrumentWire   `json:"instrument"`
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

func (w intentWire) toIntent() (*types.OrderIntent, error) {
	side, err := types.ParseSide(w.Side)
	if err != nil {
		return nil, err
	}
	orderType, err := types.ParseOrderType(w.OrderType)
	if err != nil {
		return nil, err
	}
	tif, err := types.ParseTimeInForce(w.TimeInForce)
	if err != nil {
		return nil, err
	}
	intent := &types.OrderIntent{
		AccountID: w.AccountID,
		Instrument: types.Instrument{
			Type:     w.Instrument.Type,
			Symbol:   w.Instrument.Symbol,
			Exchange: w.Instrument.Exchange,
			Currency: w.Instrument.Currency,
		},
		Side:        side,
		Quantity:    w.Quantity,
		OrderType:   orderType,
		LimitPrice:  w.LimitPrice,
		StopPrice:   w.StopPrice,
		TimeInForce: tif,
		Reason:      w.Reason,
		StrategyTag: w.StrategyTag,
		Constraints: types.Constraints{
			MaxSlippageBps: w.MaxSlippageBps,
			MaxNotional:    w.MaxNotional,
		},
	}
	return types.Sanitize(intent)
}

func toRiskPortfolio(snap broker.PortfolioSnapshot) riskengine.Portfolio {
	positions := make([]riskengine.Position, 0, len(snap.Positions))
	for symbol, value := range snap.Positions {
		positions = append(positions, riskengine.Position{Symbol: symbol, MarketValue: value})
	}
	return riskengine.Portfolio{TotalValue: snap.TotalValue, Positions: positions}
}

func decodeStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// handleLiveness serves GET /.
func handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type healthResponse struct {
	Status         string `json:"status"`
	KillSwitch     bool   `json:"kill_switch_enabled"`
	AuditReachable bool   `json:"audit_reachable"`
	BrokerWired    bool   `json:"broker_wired"`
}

// handleHealth serves GET /api/v1/health: a per-component snapshot, never a
// mutating call, so it never consults the kill-switch guard.
func (d Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", BrokerWired: d.Broker != nil}
	if d.Kill != nil {
		resp.KillSwitch = d.Kill.IsEnabled()
	}
	if d.Log != nil {
		if _, err := d.Log.Stats(r.Context()); err == nil {
			resp.AuditReachable = true
		} else {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePropose serves POST /api/v1/propose: validates and sanitizes an
// intent, returning it with any soft warnings. Does not touch the proposal
// store — per the route table, proposal creation is driven by risk
// evaluation, not by propose.
func (d Deps) handlePropose(w http.ResponseWriter, r *http.Request) {
	if err := d.Kill.Guard("gateway.propose"); err != nil {
		writeError(w, r, err)
		return
	}
	var wire intentWire
	if err := decodeStrict(r, &wire); err != nil {
		writeError(w, r, err)
		return
	}
	intent, err := wire.toIntent()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intent":   intent,
		"warnings": []string{},
	})
}

type simulateWire struct {
	intentWire
	MarketPrice decimal.Decimal `json:"market_price"`
}

// handleSimulate serves POST /api/v1/simulate.
func (d Deps) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var wire simulateWire
	if err := decodeStrict(r, &wire); err != nil {
		writeError(w, r, err)
		return
	}
	intent, err := wire.toIntent()
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := d.Broker.Portfolio(r.Context(), intent.AccountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sim := d.Sim.Simulate(intent, snap, wire.MarketPrice)
	if sim.Status == types.SimulationStatusSuccess {
		if d.Metrics != nil {
			d.Metrics.ObserveOrderSimulated()
		}
		if d.Stats != nil {
			d.Stats.RecordSimulated(intent.AccountID+":"+strconv.FormatInt(d.now().UnixNano(), 10), intent.Instrument.Symbol)
		}
	}
	writeJSON(w, http.StatusOK, sim)
}

type riskEvaluateWire struct {
	simulateWire
	SymbolVolatility *float64 `json:"symbol_volatility,omitempty"`
	MarketVolatility *float64 `json:"market_volatility,omitempty"`
	Beta             *float64 `json:"beta,omitempty"`
}

// handleRiskEvaluate serves POST /api/v1/risk/evaluate. Per the lifecycle
// transition table, a risk decision is the event that stores the proposal
// in the first place (initial -> RISK_APPROVED/RISK_REJECTED), so this
// handler also creates the proposal, mirroring toolserver's request_approval
// up through CreateProposal.
func (d Deps) handleRiskEvaluate(w http.ResponseWriter, r *http.Request) {
	if err := d.Kill.Guard("gateway.risk_evaluate"); err != nil {
		writeError(w, r, err)
		return
	}
	var wire riskEvaluateWire
	if err := decodeStrict(r, &wire); err != nil {
		writeError(w, r, err)
		return
	}
	intent, err := wire.toIntent()
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	correlationID := audit.CorrelationID(ctx)

	snap, err := d.Broker.Portfolio(ctx, intent.AccountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sim := d.Sim.Simulate(intent, snap, wire.MarketPrice)
	now := d.now()
	counters := d.Counters.Snapshot(intent.AccountID, snap.TotalValue, now)
	var volatility *riskengine.VolatilityMetrics
	if wire.SymbolVolatility != nil || wire.MarketVolatility != nil || wire.Beta != nil {
		volatility = &riskengine.VolatilityMetrics{
			SymbolVolatility: wire.SymbolVolatility,
			MarketVolatility: wire.MarketVolatility,
			Beta:             wire.Beta,
		}
	}
	decision := d.Risk.Evaluate(intent, toRiskPortfolio(snap), sim, now, counters, volatility)
	if d.Metrics != nil {
		if decision.Decision == types.RiskDecisionApprove {
			d.Metrics.ObserveRiskApproved()
		} else {
			d.Metrics.ObserveRiskRejected(decision.ViolatedRules)
		}
	}

	proposal, err := d.Approvals.CreateProposal(ctx, correlationID, intent, sim, decision)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposal": proposal,
		"decision": decision,
	})
}

type proposalIDWire struct {
	ProposalID string `json:"proposal_id"`
}

// handleApprovalRequest serves POST /api/v1/approval/request.
func (d Deps) handleApprovalRequest(w http.ResponseWriter, r *http.Request) {
	if err := d.Kill.Guard("gateway.approval_request"); err != nil {
		writeError(w, r, err)
		return
	}
	var wire proposalIDWire
	if err := decodeStrict(r, &wire); err != nil {
		writeError(w, r, err)
		return
	}
	proposal, err := d.Approvals.RequestApproval(r.Context(), wire.ProposalID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if d.Metrics != nil {
		d.Metrics.ObserveApprovalRequested()
	}
	writeJSON(w, http.StatusOK, proposal)
}

type approvalGrantWire struct {
	ProposalID string `json:"proposal_id"`
	GrantedBy  string `json:"granted_by"`
}

// handleApprovalGrant serves POST /api/v1/approval/grant. Operator-only:
// guarded by the JWT authenticator at the route level (see router.go).
func (d Deps) handleApprovalGrant(w http.ResponseWriter, r *http.Request) {
	if err := d.Kill.Guard("gateway.approval_grant"); err != nil {
		writeError(w, r, err)
		return
	}
	var wire approvalGrantWire
	if err := decodeStrict(r, &wire); err != nil {
		writeError(w, r, err)
		return
	}
	proposal, token, err := d.Approvals.GrantApproval(r.Context(), wire.ProposalID, wire.GrantedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if d.Metrics != nil {
		d.Metrics.ObserveApprovalGranted()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposal":   proposal,
		"token_id":   token.ID,
		"expires_at": token.ExpiresAt,
	})
}

type approvalDenyWire struct {
	ProposalID string `json:"proposal_id"`
	DeniedBy   string `json:"denied_by"`
	Reason     string `json:"reason"`
}

// handleApprovalDeny serves POST /api/v1/approval/deny.
func (d Deps) handleApprovalDeny(w http.ResponseWriter, r *http.Request) {
	if err := d.Kill.Guard("gateway.approval_deny"); err != nil {
		writeError(w, r, err)
		return
	}
	var wire approvalDenyWire
	if err := decodeStrict(r, &wire); err != nil {
		writeError(w, r, err)
		return
	}
	proposal, err := d.Approvals.DenyApproval(r.Context(), wire.ProposalID, wire.DeniedBy, wire.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if d.Metrics != nil {
		d.Metrics.ObserveApprovalDenied()
	}
	writeJSON(w, http.StatusOK, proposal)
}

// handleApprovalPending serves GET /api/v1/approval/pending?limit=N.
func (d Deps) handleApprovalPending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposals": d.Approvals.ListPending(limit),
	})
}

type orderSubmitWire struct {
	ProposalID string `json:"proposal_id"`
	TokenID    string `json:"token_id"`
	AccountID  string `json:"account_id"`
}

// handleOrdersSubmit serves POST /api/v1/orders/submit. On success it
// spawns a background poll that drives the proposal to its broker-observed
// terminal state; without it a submitted order would sit in SUBMITTED
// forever.
func (d Deps) handleOrdersSubmit(w http.ResponseWriter, r *http.Request) {
	var wire orderSubmitWire
	if err := decodeStrict(r, &wire); err != nil {
		writeError(w, r, err)
		return
	}
	submitted, err := d.Submitter.Submit(r.Context(), wire.ProposalID, wire.TokenID, wire.AccountID)
	if err != nil {
		if errors.Is(err, broker.ErrBrokerRejected) && d.Metrics != nil {
			d.Metrics.ObserveOrderRejected()
		}
		writeError(w, r, err)
		return
	}
	if d.Metrics != nil {
		d.Metrics.ObserveOrderSubmitted()
	}
	if d.Stats != nil {
		d.Stats.RecordSubmitted(wire.ProposalID)
	}
	if submitted.BrokerOrderID != "" {
		// The poll outlives the request: detach from the request context
		// but carry its correlation id so the terminal audit event joins
		// the same chain.
		pollCtx := audit.WithCorrelationID(context.Background(), audit.CorrelationID(r.Context()))
		go d.pollToTerminal(pollCtx, submitted.BrokerOrderID, wire.ProposalID)
	}
	writeJSON(w, http.StatusOK, submitted)
}

// pollToTerminal runs the broker status poll for a freshly submitted order
// and records the observed outcome in the metrics and statistics
// collectors.
func (d Deps) pollToTerminal(ctx context.Context, brokerOrderID, proposalID string) {
	maxPolls := d.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 30
	}
	interval := d.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	status, err := d.Submitter.PollUntilTerminal(ctx, brokerOrderID, proposalID, maxPolls, interval)
	if err != nil {
		return
	}
	switch status {
	case broker.StatusFilled:
		if d.Metrics != nil {
			d.Metrics.ObserveOrderFilled()
		}
		if d.Stats != nil {
			d.Stats.RecordFilled(proposalID)
		}
	case broker.StatusCancelled:
		if d.Metrics != nil {
			d.Metrics.ObserveOrderCancelled()
		}
	case broker.StatusRejected:
		if d.Metrics != nil {
			d.Metrics.ObserveOrderRejected()
		}
		if d.Stats != nil {
			d.Stats.RecordRejected(proposalID, "broker")
		}
	}
}

type orderCancelWire struct {
	ProposalID string `json:"proposal_id"`
}

// handleOrdersCancel serves POST /api/v1/orders/cancel: requests a broker
// cancel for a SUBMITTED proposal's order and drives the same
// SUBMITTED -> CANCELLED transition a terminal poll would.
func (d Deps) handleOrdersCancel(w http.ResponseWriter, r *http.Request) {
	if err := d.Kill.Guard("gateway.orders_cancel"); err != nil {
		writeError(w, r, err)
		return
	}
	var wire orderCancelWire
	if err := decodeStrict(r, &wire); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	proposal, err := d.Approvals.Get(wire.ProposalID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if proposal.State != types.ProposalStateSubmitted || proposal.BrokerOrderID == "" {
		writeError(w, r, approval.ErrIllegalTransition)
		return
	}
	if err := d.Broker.Cancel(ctx, proposal.BrokerOrderID); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := d.Approvals.ApplyTerminalStatus(ctx, wire.ProposalID, approval.TerminalStatusCancelled)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if d.Metrics != nil {
		d.Metrics.ObserveOrderCancelled()
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleKillSwitchStatus serves GET /api/v1/kill-switch/status.
func (d Deps) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Kill.State())
}

type killSwitchActivateWire struct {
	ActivatedBy string `json:"activated_by"`
	Reason      string `json:"reason"`
}

// handleKillSwitchActivate serves POST /api/v1/kill-switch/activate.
func (d Deps) handleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	var wire killSwitchActivateWire
	if err := decodeStrict(r, &wire); err != nil {
		writeError(w, r, err)
		return
	}
	state, err := d.Kill.Activate(r.Context(), wire.ActivatedBy, wire.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if d.Metrics != nil {
		d.Metrics.ObserveKillSwitchActivated()
	}
	writeJSON(w, http.StatusOK, state)
}

type killSwitchDeactivateWire struct {
	DeactivatedBy string `json:"deactivated_by"`
}

// handleKillSwitchDeactivate serves POST /api/v1/kill-switch/deactivate.
func (d Deps) handleKillSwitchDeactivate(w http.ResponseWriter, r *http.Request) {
	var wire killSwitchDeactivateWire
	if err := decodeStrict(r, &wire); err != nil {
		writeError(w, r, err)
		return
	}
	state, err := d.Kill.Deactivate(r.Context(), wire.DeactivatedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if d.Metrics != nil {
		d.Metrics.ObserveKillSwitchReleased()
	}
	writeJSON(w, http.StatusOK, state)
}
