package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ordergate/approval"
	"ordergate/audit"
	"ordergate/core/types"
)

func sampleIntent(t *testing.T) *types.OrderIntent {
	t.Helper()
	intent, err := types.Sanitize(&types.OrderIntent{
		AccountID: "DU123456",
		Instrument: types.Instrument{
			Type:     "STK",
			Symbol:   "AAPL",
			Exchange: "SMART",
			Currency: "USD",
		},
		Side:        types.SideBuy,
		Quantity:    decimal.NewFromInt(10),
		OrderType:   types.OrderTypeMarket,
		TimeInForce: types.TIFDay,
		Reason:      "momentum breakout per strategy playbook",
	})
	require.NoError(t, err)
	return intent
}

func approvedDecision() *types.RiskDecision {
	return &types.RiskDecision{Decision: types.RiskDecisionApprove}
}

func sampleSimulation() *types.SimulationResult {
	return &types.SimulationResult{
		Status:        types.SimulationStatusSuccess,
		GrossNotional: decimal.NewFromInt(1000),
		NetNotional:   decimal.NewFromInt(1003),
	}
}

func TestService_CreateProposal_RiskRejectedIsTerminal(t *testing.T) {
	svc := approval.New(approval.Config{}, nil)
	intent := sampleIntent(t)

	proposal, err := svc.CreateProposal(context.Background(), "corr-1", intent, sampleSimulation(), &types.RiskDecision{
		Decision:      types.RiskDecisionReject,
		ViolatedRules: []string{"R1"},
	})
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateRiskRejected, proposal.State)
	require.True(t, proposal.State.Terminal())
}

func TestService_FullLifecycle_ApprovalGrantedThroughFilled(t *testing.T) {
	svc := approval.New(approval.Config{TokenTTL: time.Minute}, nil)
	ctx := context.Background()
	intent := sampleIntent(t)

	proposal, err := svc.CreateProposal(ctx, "corr-2", intent, sampleSimulation(), approvedDecision())
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateRiskApproved, proposal.State)

	proposal, err = svc.RequestApproval(ctx, proposal.ID)
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateApprovalRequested, proposal.State)

	proposal, token, err := svc.GrantApproval(ctx, proposal.ID, "ops-lead")
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateApprovalGranted, proposal.State)
	require.False(t, token.Consumed)

	proposal, err = svc.ConsumeToken(ctx, token.ID, intent.AccountID)
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateSubmitted, proposal.State)

	// A second consumption attempt with the same token must fail: tokens
	// are single-use.
	_, err = svc.ConsumeToken(ctx, token.ID, intent.AccountID)
	require.ErrorIs(t, err, approval.ErrTokenAlreadyConsumed)

	require.NoError(t, svc.RecordBrokerOrderID(ctx, proposal.ID, "BROKER-1"))

	proposal, err = svc.ApplyTerminalStatus(ctx, proposal.ID, approval.TerminalStatusFilled)
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateFilled, proposal.State)
	require.True(t, proposal.State.Terminal())

	// Terminal states are idempotent under re-application.
	again, err := svc.ApplyTerminalStatus(ctx, proposal.ID, approval.TerminalStatusFilled)
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateFilled, again.State)
}

func TestService_ConsumeToken_WrongAccountRejected(t *testing.T) {
	svc := approval.New(approval.Config{TokenTTL: time.Minute}, nil)
	ctx := context.Background()
	intent := sampleIntent(t)

	proposal, err := svc.CreateProposal(ctx, "corr-3", intent, sampleSimulation(), approvedDecision())
	require.NoError(t, err)
	_, err = svc.RequestApproval(ctx, proposal.ID)
	require.NoError(t, err)
	_, token, err := svc.GrantApproval(ctx, proposal.ID, "ops-lead")
	require.NoError(t, err)

	_, err = svc.ConsumeToken(ctx, token.ID, "some-other-account")
	require.ErrorIs(t, err, approval.ErrAccountMismatch)
}

func TestService_ConsumeToken_ExpiredRejected(t *testing.T) {
	svc := approval.New(approval.Config{TokenTTL: time.Minute}, nil)
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	svc.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()
	intent := sampleIntent(t)

	proposal, err := svc.CreateProposal(ctx, "corr-4", intent, sampleSimulation(), approvedDecision())
	require.NoError(t, err)
	_, err = svc.RequestApproval(ctx, proposal.ID)
	require.NoError(t, err)
	_, token, err := svc.GrantApproval(ctx, proposal.ID, "ops-lead")
	require.NoError(t, err)

	svc.SetNowFunc(func() time.Time { return now.Add(2 * time.Minute) })
	_, err = svc.ConsumeToken(ctx, token.ID, intent.AccountID)
	require.ErrorIs(t, err, approval.ErrTokenExpired)
}

func TestService_DenyApproval_RequiresReason(t *testing.T) {
	svc := approval.New(approval.Config{}, nil)
	ctx := context.Background()
	intent := sampleIntent(t)

	proposal, err := svc.CreateProposal(ctx, "corr-5", intent, sampleSimulation(), approvedDecision())
	require.NoError(t, err)
	_, err = svc.RequestApproval(ctx, proposal.ID)
	require.NoError(t, err)

	_, err = svc.DenyApproval(ctx, proposal.ID, "ops-lead", "")
	require.ErrorIs(t, err, approval.ErrApprovalReasonRequired)

	denied, err := svc.DenyApproval(ctx, proposal.ID, "ops-lead", "position limit concerns")
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateApprovalDenied, denied.State)
	require.True(t, denied.State.Terminal())
}

func TestService_IllegalTransition_CannotGrantWithoutRequest(t *testing.T) {
	svc := approval.New(approval.Config{}, nil)
	ctx := context.Background()
	intent := sampleIntent(t)

	proposal, err := svc.CreateProposal(ctx, "corr-6", intent, sampleSimulation(), approvedDecision())
	require.NoError(t, err)

	_, _, err = svc.GrantApproval(ctx, proposal.ID, "ops-lead")
	require.ErrorIs(t, err, approval.ErrIllegalTransition)
}

func TestService_DenyAfterGrant_RevokesToken(t *testing.T) {
	svc := approval.New(approval.Config{TokenTTL: time.Minute}, nil)
	ctx := context.Background()
	intent := sampleIntent(t)

	proposal, err := svc.CreateProposal(ctx, "corr-revoke", intent, sampleSimulation(), approvedDecision())
	require.NoError(t, err)
	_, err = svc.RequestApproval(ctx, proposal.ID)
	require.NoError(t, err)
	_, token, err := svc.GrantApproval(ctx, proposal.ID, "ops-lead")
	require.NoError(t, err)

	denied, err := svc.DenyApproval(ctx, proposal.ID, "ops-lead", "approval withdrawn before submission")
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateApprovalDenied, denied.State)

	_, err = svc.ConsumeToken(ctx, token.ID, intent.AccountID)
	require.ErrorIs(t, err, approval.ErrInvalidToken)
}

func TestService_Regrant_AfterExpiryIssuesFreshToken(t *testing.T) {
	svc := approval.New(approval.Config{TokenTTL: time.Minute}, nil)
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	svc.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()
	intent := sampleIntent(t)

	proposal, err := svc.CreateProposal(ctx, "corr-regrant", intent, sampleSimulation(), approvedDecision())
	require.NoError(t, err)
	_, err = svc.RequestApproval(ctx, proposal.ID)
	require.NoError(t, err)
	_, stale, err := svc.GrantApproval(ctx, proposal.ID, "ops-lead")
	require.NoError(t, err)

	// While the token is live, a second grant is refused.
	_, _, err = svc.GrantApproval(ctx, proposal.ID, "ops-lead")
	require.ErrorIs(t, err, approval.ErrIllegalTransition)

	svc.SetNowFunc(func() time.Time { return now.Add(2 * time.Minute) })
	_, fresh, err := svc.GrantApproval(ctx, proposal.ID, "ops-lead")
	require.NoError(t, err)
	require.NotEqual(t, stale.ID, fresh.ID)

	// Only the fresh token is consumable.
	_, err = svc.ConsumeToken(ctx, stale.ID, intent.AccountID)
	require.ErrorIs(t, err, approval.ErrInvalidToken)
	consumed, err := svc.ConsumeToken(ctx, fresh.ID, intent.AccountID)
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateSubmitted, consumed.State)
}

func TestService_ConsumeToken_AuditFailureLeavesStateUntouched(t *testing.T) {
	log := &flakyLog{}
	svc := approval.New(approval.Config{TokenTTL: time.Minute}, log)
	ctx := context.Background()
	intent := sampleIntent(t)

	proposal, err := svc.CreateProposal(ctx, "corr-audit-down", intent, sampleSimulation(), approvedDecision())
	require.NoError(t, err)
	_, err = svc.RequestApproval(ctx, proposal.ID)
	require.NoError(t, err)
	_, token, err := svc.GrantApproval(ctx, proposal.ID, "ops-lead")
	require.NoError(t, err)

	log.fail = true
	_, err = svc.ConsumeToken(ctx, token.ID, intent.AccountID)
	require.ErrorIs(t, err, audit.ErrPersistenceFailed)

	// The transition was aborted: the proposal stays granted and the token
	// stays live.
	got, err := svc.Get(proposal.ID)
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateApprovalGranted, got.State)

	log.fail = false
	consumed, err := svc.ConsumeToken(ctx, token.ID, intent.AccountID)
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateSubmitted, consumed.State)
}

func TestService_ApplyTerminalStatus_FilledRecordsTrade(t *testing.T) {
	svc := approval.New(approval.Config{TokenTTL: time.Minute}, nil)
	counters := approval.NewCounterStore()
	svc.SetCounterStore(counters)
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	svc.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()
	intent := sampleIntent(t)

	proposal, err := svc.CreateProposal(ctx, "corr-fill", intent, sampleSimulation(), approvedDecision())
	require.NoError(t, err)
	_, err = svc.RequestApproval(ctx, proposal.ID)
	require.NoError(t, err)
	_, token, err := svc.GrantApproval(ctx, proposal.ID, "ops-lead")
	require.NoError(t, err)
	_, err = svc.ConsumeToken(ctx, token.ID, intent.AccountID)
	require.NoError(t, err)

	before := counters.Snapshot(intent.AccountID, decimal.NewFromInt(100000), now)
	require.Zero(t, before.TradesCount)

	_, err = svc.ApplyTerminalStatus(ctx, proposal.ID, approval.TerminalStatusFilled)
	require.NoError(t, err)

	after := counters.Snapshot(intent.AccountID, decimal.NewFromInt(100000), now)
	require.Equal(t, 1, after.TradesCount, "a confirmed fill advances the daily trade count")
}

func TestService_Eviction_OldestTerminalGoesFirstAndPendingIsPinned(t *testing.T) {
	svc := approval.New(approval.Config{MaxProposals: 2}, nil)
	ctx := context.Background()
	rejected := &types.RiskDecision{Decision: types.RiskDecisionReject}

	oldTerminal, err := svc.CreateProposal(ctx, "corr-evict-1", sampleIntent(t), sampleSimulation(), rejected)
	require.NoError(t, err)
	newTerminal, err := svc.CreateProposal(ctx, "corr-evict-2", sampleIntent(t), sampleSimulation(), rejected)
	require.NoError(t, err)

	// The third proposal pushes the store past its ceiling; the oldest
	// terminal entry is the one that goes.
	pending, err := svc.CreateProposal(ctx, "corr-evict-3", sampleIntent(t), sampleSimulation(), approvedDecision())
	require.NoError(t, err)

	_, err = svc.Get(oldTerminal.ID)
	require.ErrorIs(t, err, approval.ErrUnknownProposal)
	_, err = svc.Get(newTerminal.ID)
	require.NoError(t, err)
	_, err = svc.Get(pending.ID)
	require.NoError(t, err)

	// Even past capacity, non-terminal proposals are never evicted.
	more, err := svc.CreateProposal(ctx, "corr-evict-4", sampleIntent(t), sampleSimulation(), approvedDecision())
	require.NoError(t, err)
	_, err = svc.Get(pending.ID)
	require.NoError(t, err)
	_, err = svc.Get(more.ID)
	require.NoError(t, err)
}

func TestService_ListPending_ExcludesTerminalOldestFirst(t *testing.T) {
	svc := approval.New(approval.Config{}, nil)
	ctx := context.Background()

	rejected, err := svc.CreateProposal(ctx, "corr-7", sampleIntent(t), sampleSimulation(), &types.RiskDecision{Decision: types.RiskDecisionReject})
	require.NoError(t, err)
	approved, err := svc.CreateProposal(ctx, "corr-8", sampleIntent(t), sampleSimulation(), approvedDecision())
	require.NoError(t, err)

	pending := svc.ListPending(0)
	require.Len(t, pending, 1)
	require.Equal(t, approved.ID, pending[0].ID)
	require.NotEqual(t, rejected.ID, pending[0].ID)
}
