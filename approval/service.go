package approval

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ordergate/audit"
	"ordergate/core/types"
)

// Service owns the proposal store, the lifecycle state machine, and the
// approval-token table. Each proposal is protected by its own lock;
// cross-proposal operations never take a shared lock beyond the store's
// brief bookkeeping section.
type Service struct {
	store    *store
	log      audit.Log
	tokenTTL time.Duration
	nowFunc  func() time.Time
	counters *CounterStore

	tokenIndexMu sync.RWMutex
	tokenIndex   map[string]string // token id -> proposal id
}

// Config bounds the service's behaviour.
type Config struct {
	MaxProposals int
	TokenTTL     time.Duration
}

// New constructs a Service backed by an in-memory, LRU-bounded proposal store.
func New(cfg Config, log audit.Log) *Service {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		store:      newStore(cfg.MaxProposals),
		log:        log,
		tokenTTL:   ttl,
		nowFunc:    time.Now,
		tokenIndex: make(map[string]string),
	}
}

// SetNowFunc overrides the clock; used by tests.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFunc = time.Now
		return
	}
	s.nowFunc = now
}

func (s *Service) now() time.Time { return s.nowFunc() }

// SetCounterStore wires the per-account daily counters so confirmed fills
// advance the trade count and realized cost R7/R8 read. Call once at
// startup, before the service is shared across goroutines.
func (s *Service) SetCounterStore(cs *CounterStore) {
	s.counters = cs
}

// CreateProposal stores a freshly risk-evaluated intent, placing it in
// RISK_APPROVED or RISK_REJECTED depending on the decision, per the
// transition table's "(initial)" row. It emits ORDER_PROPOSED,
// ORDER_SIMULATED, and RISK_GATE_EVALUATED under the given correlation id.
func (s *Service) CreateProposal(ctx context.Context, correlationID string, intent *types.OrderIntent, simulation *types.SimulationResult, decision *types.RiskDecision) (*types.Proposal, error) {
	now := s.now().UTC()
	state := types.ProposalStateRiskApproved
	if decision.Decision != types.RiskDecisionApprove {
		state = types.ProposalStateRiskRejected
	}
	proposal := &types.Proposal{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Intent:        intent.Clone(),
		Simulation:    simulation.Clone(),
		RiskDecision:  decision.Clone(),
		State:         state,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.emit(ctx, audit.EventOrderProposed, correlationID, map[string]any{
		"proposal_id": proposal.ID,
		"account_id":  intent.AccountID,
		"symbol":      intent.Instrument.Symbol,
		"side":        intent.Side.String(),
	}); err != nil {
		return nil, err
	}
	if err := s.emit(ctx, audit.EventOrderSimulated, correlationID, map[string]any{
		"proposal_id":    proposal.ID,
		"status":         simulation.Status.String(),
		"gross_notional": simulation.GrossNotional.String(),
	}); err != nil {
		return nil, err
	}
	if err := s.emit(ctx, audit.EventRiskGateEvaluated, correlationID, map[string]any{
		"proposal_id":    proposal.ID,
		"decision":       decision.Decision.String(),
		"violated_rules": decision.ViolatedRules,
		"reason":         decision.Reason,
	}); err != nil {
		return nil, err
	}

	e := s.store.create(proposal)
	if state.Terminal() {
		s.store.markTerminal(e)
	}
	return proposal.Clone(), nil
}

// Get returns a copy of the proposal, or ErrUnknownProposal.
func (s *Service) Get(proposalID string) (*types.Proposal, error) {
	e, ok := s.store.get(proposalID)
	if !ok {
		return nil, ErrUnknownProposal
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proposal.Clone(), nil
}

// ListPending returns up to limit non-terminal proposals, oldest first. A
// limit <= 0 returns every non-terminal proposal.
func (s *Service) ListPending(limit int) []*types.Proposal {
	return s.store.listPending(limit)
}

// RequestApproval transitions RISK_APPROVED -> APPROVAL_REQUESTED.
func (s *Service) RequestApproval(ctx context.Context, proposalID string) (*types.Proposal, error) {
	e, ok := s.store.get(proposalID)
	if !ok {
		return nil, ErrUnknownProposal
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proposal.State != types.ProposalStateRiskApproved {
		return nil, fmt.Errorf("%w: %s -> APPROVAL_REQUESTED", ErrIllegalTransition, e.proposal.State)
	}
	if err := s.emit(ctx, audit.EventApprovalRequested, e.proposal.CorrelationID, map[string]any{
		"proposal_id": proposalID,
	}); err != nil {
		return nil, err
	}
	e.proposal.State = types.ProposalStateApprovalRequested
	e.proposal.UpdatedAt = s.now().UTC()
	return e.proposal.Clone(), nil
}

// GrantApproval transitions APPROVAL_REQUESTED -> APPROVAL_GRANTED and issues
// a fresh single-use token bound to the proposal's current intent hash. A
// proposal already in APPROVAL_GRANTED whose token has expired may be
// re-granted; re-granting always mints a fresh token and invalidates the
// old one.
func (s *Service) GrantApproval(ctx context.Context, proposalID, grantedBy string) (*types.Proposal, *types.ApprovalToken, error) {
	e, ok := s.store.get(proposalID)
	if !ok {
		return nil, nil, ErrUnknownProposal
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now().UTC()
	switch e.proposal.State {
	case types.ProposalStateApprovalRequested:
	case types.ProposalStateApprovalGranted:
		if e.token != nil && !e.token.Consumed && now.Before(e.token.ExpiresAt) {
			return nil, nil, fmt.Errorf("%w: proposal already holds a live token", ErrIllegalTransition)
		}
	default:
		return nil, nil, fmt.Errorf("%w: %s -> APPROVAL_GRANTED", ErrIllegalTransition, e.proposal.State)
	}
	token, err := newToken(proposalID, e.proposal.Intent, now, s.tokenTTL)
	if err != nil {
		return nil, nil, err
	}
	if err := s.emit(ctx, audit.EventApprovalGranted, e.proposal.CorrelationID, map[string]any{
		"proposal_id": proposalID,
		"granted_by":  grantedBy,
		"token_id":    token.ID,
		"expires_at":  token.ExpiresAt,
	}); err != nil {
		return nil, nil, err
	}
	s.dropTokenIndex(e.token)
	e.token = token
	e.proposal.State = types.ProposalStateApprovalGranted
	e.proposal.ApprovalReason = grantedBy
	e.proposal.UpdatedAt = now

	s.tokenIndexMu.Lock()
	s.tokenIndex[token.ID] = proposalID
	s.tokenIndexMu.Unlock()

	return e.proposal.Clone(), token.Clone(), nil
}

// DenyApproval transitions APPROVAL_REQUESTED -> APPROVAL_DENIED. A reason
// is mandatory per the transition table. Denying a proposal already in
// APPROVAL_GRANTED is the explicit-revoke path: it invalidates the issued
// token along with the proposal.
func (s *Service) DenyApproval(ctx context.Context, proposalID, deniedBy, reason string) (*types.Proposal, error) {
	if reason == "" {
		return nil, ErrApprovalReasonRequired
	}
	e, ok := s.store.get(proposalID)
	if !ok {
		return nil, ErrUnknownProposal
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proposal.State != types.ProposalStateApprovalRequested && e.proposal.State != types.ProposalStateApprovalGranted {
		return nil, fmt.Errorf("%w: %s -> APPROVAL_DENIED", ErrIllegalTransition, e.proposal.State)
	}
	if err := s.emit(ctx, audit.EventApprovalDenied, e.proposal.CorrelationID, map[string]any{
		"proposal_id": proposalID,
		"denied_by":   deniedBy,
		"reason":      reason,
	}); err != nil {
		return nil, err
	}
	e.proposal.State = types.ProposalStateApprovalDenied
	e.proposal.ApprovalReason = reason
	e.proposal.UpdatedAt = s.now().UTC()
	s.dropTokenIndex(e.token)
	e.token = nil

	s.store.markTerminal(e)
	return e.proposal.Clone(), nil
}

// ConsumeToken validates the token against the bound proposal and account and
// atomically transitions APPROVAL_GRANTED -> SUBMITTED, marking the token
// consumed in the same critical section. Exactly one of two concurrent
// callers for the same token observes success.
func (s *Service) ConsumeToken(ctx context.Context, tokenID, accountID string) (*types.Proposal, error) {
	e, ok := s.findByToken(tokenID)
	if !ok {
		return nil, ErrInvalidToken
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	token := e.token
	if token == nil || token.ID != tokenID {
		return nil, ErrInvalidToken
	}
	if token.Consumed {
		return nil, ErrTokenAlreadyConsumed
	}
	now := s.now().UTC()
	if now.After(token.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if e.proposal.State != types.ProposalStateApprovalGranted {
		return nil, fmt.Errorf("%w: token bound to proposal in state %s", ErrIllegalTransition, e.proposal.State)
	}
	if token.AccountID != accountID {
		return nil, ErrAccountMismatch
	}
	if token.IntentHash != types.IntentHash(e.proposal.Intent) {
		return nil, ErrIntentHashMismatch
	}

	if err := s.emit(ctx, audit.EventOrderSubmitted, e.proposal.CorrelationID, map[string]any{
		"proposal_id": e.proposal.ID,
		"token_id":    tokenID,
	}); err != nil {
		return nil, err
	}
	token.Consumed = true
	e.proposal.State = types.ProposalStateSubmitted
	e.proposal.UpdatedAt = now
	return e.proposal.Clone(), nil
}

// RecordBrokerOrderID attaches the broker-assigned order id to an already
// SUBMITTED proposal. A synchronous broker rejection goes through
// RejectSynchronously instead.
func (s *Service) RecordBrokerOrderID(ctx context.Context, proposalID, brokerOrderID string) error {
	e, ok := s.store.get(proposalID)
	if !ok {
		return ErrUnknownProposal
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proposal.State != types.ProposalStateSubmitted {
		return fmt.Errorf("%w: cannot record broker order id in state %s", ErrIllegalTransition, e.proposal.State)
	}
	e.proposal.BrokerOrderID = brokerOrderID
	e.proposal.UpdatedAt = s.now().UTC()
	return nil
}

// RejectSynchronously transitions SUBMITTED -> REJECTED when the broker
// refuses the order inline rather than asynchronously.
func (s *Service) RejectSynchronously(ctx context.Context, proposalID, reason string) (*types.Proposal, error) {
	e, ok := s.store.get(proposalID)
	if !ok {
		return nil, ErrUnknownProposal
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proposal.State != types.ProposalStateSubmitted {
		return nil, fmt.Errorf("%w: %s -> REJECTED", ErrIllegalTransition, e.proposal.State)
	}
	if err := s.emit(ctx, audit.EventOrderRejected, e.proposal.CorrelationID, map[string]any{
		"proposal_id": proposalID,
		"reason":      reason,
	}); err != nil {
		return nil, err
	}
	e.proposal.State = types.ProposalStateRejected
	e.proposal.ApprovalReason = reason
	e.proposal.UpdatedAt = s.now().UTC()

	s.store.markTerminal(e)
	return e.proposal.Clone(), nil
}

// TerminalStatus is the broker-observed terminal outcome driving the final
// SUBMITTED -> {FILLED,CANCELLED,REJECTED} transition.
type TerminalStatus uint8

const (
	TerminalStatusFilled TerminalStatus = iota
	TerminalStatusCancelled
	TerminalStatusRejected
)

// ApplyTerminalStatus drives the SUBMITTED -> terminal transition exactly
// once for a given observed broker status, per the companion polling
// operation's contract.
func (s *Service) ApplyTerminalStatus(ctx context.Context, proposalID string, status TerminalStatus) (*types.Proposal, error) {
	e, ok := s.store.get(proposalID)
	if !ok {
		return nil, ErrUnknownProposal
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proposal.State.Terminal() {
		// Already driven by a prior observation; idempotent no-op.
		return e.proposal.Clone(), nil
	}
	if e.proposal.State != types.ProposalStateSubmitted {
		return nil, fmt.Errorf("%w: cannot apply terminal status in state %s", ErrIllegalTransition, e.proposal.State)
	}

	var next types.ProposalState
	var eventType audit.EventType
	switch status {
	case TerminalStatusFilled:
		next, eventType = types.ProposalStateFilled, audit.EventOrderFilled
	case TerminalStatusCancelled:
		next, eventType = types.ProposalStateCancelled, audit.EventOrderCancelled
	case TerminalStatusRejected:
		next, eventType = types.ProposalStateRejected, audit.EventOrderRejected
	default:
		return nil, fmt.Errorf("approval: unknown terminal status %d", status)
	}
	if err := s.emit(ctx, eventType, e.proposal.CorrelationID, map[string]any{
		"proposal_id":     proposalID,
		"broker_order_id": e.proposal.BrokerOrderID,
	}); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	e.proposal.State = next
	e.proposal.UpdatedAt = now

	s.store.markTerminal(e)
	if status == TerminalStatusFilled && s.counters != nil && e.proposal.Intent != nil {
		// A confirmed fill advances the account's daily trade count; the
		// estimated transaction cost is booked as realized loss so the
		// daily P&L floor sees it.
		cost := decimal.Zero
		if sim := e.proposal.Simulation; sim != nil {
			cost = sim.EstimatedFee.Add(sim.EstimatedSlippage)
		}
		s.counters.RecordTrade(e.proposal.Intent.AccountID, cost.Neg(), now)
	}
	return e.proposal.Clone(), nil
}

// dropTokenIndex removes a dead token from the secondary index.
func (s *Service) dropTokenIndex(token *types.ApprovalToken) {
	if token == nil {
		return
	}
	s.tokenIndexMu.Lock()
	delete(s.tokenIndex, token.ID)
	s.tokenIndexMu.Unlock()
}

func (s *Service) findByToken(tokenID string) (*entry, bool) {
	// The proposal id is not recoverable from the opaque token id alone, so
	// tokens are resolved to their owning proposal's entry through a
	// secondary index.
	s.tokenIndexMu.RLock()
	defer s.tokenIndexMu.RUnlock()
	proposalID, ok := s.tokenIndex[tokenID]
	if !ok {
		return nil, false
	}
	return s.store.get(proposalID)
}

// emit appends one audit event. Callers invoke it before committing the
// state mutation it describes: an append failure aborts the transition, so
// no mutation is ever committed unaudited.
func (s *Service) emit(ctx context.Context, eventType audit.EventType, correlationID string, data map[string]any) error {
	if s.log == nil {
		return nil
	}
	_, err := s.log.Append(ctx, audit.EventCreate{
		EventType:     eventType,
		CorrelationID: correlationID,
		Data:          data,
	})
	return err
}

func newToken(proposalID string, intent *types.OrderIntent, now time.Time, ttl time.Duration) (*types.ApprovalToken, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("approval: generate token id: %w", err)
	}
	return &types.ApprovalToken{
		ID:         base64.RawURLEncoding.EncodeToString(raw),
		ProposalID: proposalID,
		AccountID:  intent.AccountID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		IntentHash: types.IntentHash(intent),
	}, nil
}
