package approval_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ordergate/approval"
	"ordergate/audit"
	"ordergate/core/types"
)

// memoryLog is an in-memory audit.Log for asserting emitted events.
type memoryLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memoryLog) Append(ctx context.Context, create audit.EventCreate) (audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event := audit.Event{
		ID:            fmt.Sprintf("ev-%d", len(m.events)+1),
		EventType:     create.EventType,
		CorrelationID: create.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Data:          create.Data,
		Metadata:      create.Metadata,
	}
	m.events = append(m.events, event)
	return event, nil
}

func (m *memoryLog) Get(ctx context.Context, id string) (*audit.Event, error) { return nil, nil }

func (m *memoryLog) Query(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, event := range m.events {
		if q.CorrelationID != "" && event.CorrelationID != q.CorrelationID {
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

func (m *memoryLog) Stats(ctx context.Context) (audit.Stats, error) { return audit.Stats{}, nil }

func (m *memoryLog) byType(eventType audit.EventType) []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, event := range m.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

// flakyLog delegates to memoryLog until fail is set, after which every
// append reports a persistence failure.
type flakyLog struct {
	memoryLog
	fail bool
}

func (f *flakyLog) Append(ctx context.Context, create audit.EventCreate) (audit.Event, error) {
	if f.fail {
		return audit.Event{}, audit.ErrPersistenceFailed
	}
	return f.memoryLog.Append(ctx, create)
}

func TestService_SnapshotRoundTrip_TokenSurvivesRestart(t *testing.T) {
	store, err := approval.OpenSnapshotStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	intent := sampleIntent(t)

	svc := approval.New(approval.Config{TokenTTL: time.Hour}, nil)
	proposal, err := svc.CreateProposal(ctx, "corr-snap", intent, sampleSimulation(), approvedDecision())
	require.NoError(t, err)
	_, err = svc.RequestApproval(ctx, proposal.ID)
	require.NoError(t, err)
	_, token, err := svc.GrantApproval(ctx, proposal.ID, "ops-lead")
	require.NoError(t, err)

	require.NoError(t, svc.SaveSnapshot(store))

	restartedSvc := approval.New(approval.Config{TokenTTL: time.Hour}, nil)
	restored, err := restartedSvc.RestoreSnapshot(store)
	require.NoError(t, err)
	require.Equal(t, 1, restored)

	fetched, err := restartedSvc.Get(proposal.ID)
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateApprovalGranted, fetched.State)

	// The granted token remains consumable through the restart.
	consumed, err := restartedSvc.ConsumeToken(ctx, token.ID, intent.AccountID)
	require.NoError(t, err)
	require.Equal(t, types.ProposalStateSubmitted, consumed.State)
}

func TestService_SaveSnapshot_DropsEvictedProposals(t *testing.T) {
	store, err := approval.OpenSnapshotStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	svc := approval.New(approval.Config{}, nil)
	proposal, err := svc.CreateProposal(ctx, "corr-gone", sampleIntent(t), sampleSimulation(), &types.RiskDecision{Decision: types.RiskDecisionReject})
	require.NoError(t, err)
	require.NoError(t, svc.SaveSnapshot(store))

	// A fresh, empty service writing its snapshot must clear the stale key.
	empty := approval.New(approval.Config{}, nil)
	require.NoError(t, empty.SaveSnapshot(store))

	reloaded := approval.New(approval.Config{}, nil)
	restored, err := reloaded.RestoreSnapshot(store)
	require.NoError(t, err)
	require.Zero(t, restored)
	_, err = reloaded.Get(proposal.ID)
	require.ErrorIs(t, err, approval.ErrUnknownProposal)
}

func TestService_Reconcile_FlagsSubmittedWithoutBrokerID(t *testing.T) {
	log := &memoryLog{}
	svc := approval.New(approval.Config{TokenTTL: time.Hour}, log)
	ctx := context.Background()
	intent := sampleIntent(t)

	proposal, err := svc.CreateProposal(ctx, "corr-reconcile", intent, sampleSimulation(), approvedDecision())
	require.NoError(t, err)
	_, err = svc.RequestApproval(ctx, proposal.ID)
	require.NoError(t, err)
	_, token, err := svc.GrantApproval(ctx, proposal.ID, "ops-lead")
	require.NoError(t, err)
	_, err = svc.ConsumeToken(ctx, token.ID, intent.AccountID)
	require.NoError(t, err)

	// The proposal is SUBMITTED but no broker order id was ever recorded —
	// the shape a crash mid-submit leaves behind.
	flagged, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, flagged)

	errorEvents := log.byType(audit.EventErrorOccurred)
	require.Len(t, errorEvents, 1)
	require.Equal(t, "corr-reconcile", errorEvents[0].CorrelationID)

	// Once the broker id is recorded, reconciliation has nothing to flag.
	require.NoError(t, svc.RecordBrokerOrderID(ctx, proposal.ID, "BROKER-9"))
	flagged, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, flagged)
}
