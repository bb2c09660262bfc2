// Package audit implements the append-only, indexed event store backing
// post-hoc reconstruction of every order's history. Writes are atomic per
// event; the store never exposes update or delete.
package audit

import (
	"context"
	"errors"
	"time"
)

// NoCorrelationID is the fallback literal used by context-less code paths,
// per the invariant that correlation ids on audit events are never empty.
const NoCorrelationID = "no-correlation-id"

// ErrPersistenceFailed is returned when an append or query cannot be
// durably committed. It is fatal for the triggering state transition.
var ErrPersistenceFailed = errors.New("audit: persistence failed")

// EventType is the closed set of audit event types.
type EventType string

const (
	EventPortfolioSnapshotTaken   EventType = "PORTFOLIO_SNAPSHOT_TAKEN"
	EventBrokerConnected          EventType = "BROKER_CONNECTED"
	EventBrokerDisconnected       EventType = "BROKER_DISCONNECTED"
	EventBrokerReconnecting       EventType = "BROKER_RECONNECTING"
	EventOrderProposed            EventType = "ORDER_PROPOSED"
	EventOrderSimulated           EventType = "ORDER_SIMULATED"
	EventRiskGateEvaluated        EventType = "RISK_GATE_EVALUATED"
	EventApprovalRequested        EventType = "APPROVAL_REQUESTED"
	EventApprovalGranted          EventType = "APPROVAL_GRANTED"
	EventApprovalDenied           EventType = "APPROVAL_DENIED"
	EventOrderSubmitted           EventType = "ORDER_SUBMITTED"
	EventOrderConfirmed           EventType = "ORDER_CONFIRMED"
	EventOrderFilled              EventType = "ORDER_FILLED"
	EventOrderCancelled           EventType = "ORDER_CANCELLED"
	EventOrderRejected            EventType = "ORDER_REJECTED"
	EventKillSwitchActivated      EventType = "KILL_SWITCH_ACTIVATED"
	EventKillSwitchReleased       EventType = "KILL_SWITCH_RELEASED"
	EventErrorOccurred            EventType = "ERROR_OCCURRED"
	EventToolCalled               EventType = "TOOL_CALLED"
	EventToolCompleted            EventType = "TOOL_COMPLETED"
	EventToolFailed               EventType = "TOOL_FAILED"
	EventScheduledReportStarted   EventType = "SCHEDULED_REPORT_STARTED"
	EventScheduledReportCompleted EventType = "SCHEDULED_REPORT_COMPLETED"
	EventScheduledReportFailed    EventType = "SCHEDULED_REPORT_FAILED"
)

// EventCreate is the caller-supplied payload for Append; Append assigns the
// id and timestamp.
type EventCreate struct {
	EventType     EventType
	CorrelationID string
	Data          map[string]any
	Metadata      map[string]any
}

// Event is an immutable record of a state transition or decision.
type Event struct {
	ID            string
	EventType     EventType
	CorrelationID string
	Timestamp     time.Time
	Data          map[string]any
	Metadata      map[string]any
}

// Query filters the event store. Limit defaults to 100 and is capped at
// 1000 by the store implementation.
type Query struct {
	EventTypes    []EventType
	CorrelationID string
	Start         *time.Time
	End           *time.Time
	Limit         int
	Offset        int
}

// Stats summarises the event store's contents.
type Stats struct {
	TotalEvents          int64
	PerTypeCounts        map[EventType]int64
	Earliest             *time.Time
	Latest               *time.Time
	UniqueCorrelationIDs int64
}

// Log is the append-only audit store contract.
type Log interface {
	Append(ctx context.Context, create EventCreate) (Event, error)
	Get(ctx context.Context, id string) (*Event, error)
	Query(ctx context.Context, q Query) ([]Event, error)
	Stats(ctx context.Context) (Stats, error)
}

type correlationKey struct{}

// WithCorrelationID stores the correlation id in the context so downstream
// audit emissions pick it up without explicit threading.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID reads the correlation id from the context, falling back to
// NoCorrelationID for context-less code paths.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return NoCorrelationID
	}
	if v, ok := ctx.Value(correlationKey{}).(string); ok && v != "" {
		return v
	}
	return NoCorrelationID
}
