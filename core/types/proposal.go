package types

import "time"

// ProposalState is the closed set of proposal lifecycle states.
type ProposalState uint8

const (
	ProposalStateUnspecified ProposalState = iota
	ProposalStateRiskRejected
	ProposalStateRiskApproved
	ProposalStateApprovalRequested
	ProposalStateApprovalGranted
	ProposalStateApprovalDenied
	ProposalStateSubmitted
	ProposalStateFilled
	ProposalStateCancelled
	ProposalStateRejected
)

func (s ProposalState) String() string {
	switch s {
	case ProposalStateRiskRejected:
		return "RISK_REJECTED"
	case ProposalStateRiskApproved:
		return "RISK_APPROVED"
	case ProposalStateApprovalRequested:
		return "APPROVAL_REQUESTED"
	case ProposalStateApprovalGranted:
		return "APPROVAL_GRANTED"
	case ProposalStateApprovalDenied:
		return "APPROVAL_DENIED"
	case ProposalStateSubmitted:
		return "SUBMITTED"
	case ProposalStateFilled:
		return "FILLED"
	case ProposalStateCancelled:
		return "CANCELLED"
	case ProposalStateRejected:
		return "REJECTED"
	default:
		return "UNSPECIFIED"
	}
}

// Terminal reports whether the state admits no outgoing transitions.
func (s ProposalState) Terminal() bool {
	switch s {
	case ProposalStateRiskRejected, ProposalStateApprovalDenied,
		ProposalStateFilled, ProposalStateCancelled, ProposalStateRejected:
		return true
	default:
		return false
	}
}

// Proposal binds an intent, its simulation, its risk decision, and its
// lifecycle state. Once created it is mutated only through the approval
// service's legal state transitions.
type Proposal struct {
	ID             string
	CorrelationID  string
	Intent         *OrderIntent
	Simulation     *SimulationResult
	RiskDecision   *RiskDecision
	State          ProposalState
	BrokerOrderID  string
	ApprovalReason string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy of the proposal.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Intent = p.Intent.Clone()
	clone.Simulation = p.Simulation.Clone()
	clone.RiskDecision = p.RiskDecision.Clone()
	return &clone
}

// ApprovalToken is a single-use, time-bounded capability authorising
// submission of exactly one proposal's intent.
type ApprovalToken struct {
	ID         string
	ProposalID string
	AccountID  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	IntentHash string
	Consumed   bool
}

// Clone returns a deep copy of the token.
func (t *ApprovalToken) Clone() *ApprovalToken {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
