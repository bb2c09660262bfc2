package types

import "github.com/shopspring/decimal"

// SimulationStatus is the outcome of a trade-cost simulation.
type SimulationStatus uint8

const (
	SimulationStatusUnspecified SimulationStatus = iota
	SimulationStatusSuccess
	SimulationStatusFailed
)

func (s SimulationStatus) String() string {
	switch s {
	case SimulationStatusSuccess:
		return "SUCCESS"
	case SimulationStatusFailed:
		return "FAILED"
	default:
		return "UNSPECIFIED"
	}
}

// SimulationResult is the estimated effect of executing an intent against a
// portfolio. It is pure function output and is treated as immutable once
// produced.
type SimulationResult struct {
	Status             SimulationStatus
	ExecutionPrice     decimal.Decimal
	GrossNotional      decimal.Decimal
	NetNotional        decimal.Decimal
	EstimatedFee       decimal.Decimal
	EstimatedSlippage  decimal.Decimal
	CashBefore         decimal.Decimal
	CashAfter          decimal.Decimal
	ExposureBefore     decimal.Decimal
	ExposureAfter      decimal.Decimal
	Warnings           []string
	ErrorMessage       string
}

// Clone returns a deep copy of the simulation result.
func (s *SimulationResult) Clone() *SimulationResult {
	if s == nil {
		return nil
	}
	clone := *s
	if len(s.Warnings) > 0 {
		clone.Warnings = append([]string(nil), s.Warnings...)
	}
	return &clone
}

// RiskDecisionOutcome is the tri-valued outcome of risk policy evaluation.
type RiskDecisionOutcome uint8

const (
	RiskDecisionUnspecified RiskDecisionOutcome = iota
	RiskDecisionApprove
	RiskDecisionReject
	RiskDecisionManualReview
)

func (d RiskDecisionOutcome) String() string {
	switch d {
	case RiskDecisionApprove:
		return "APPROVE"
	case RiskDecisionReject:
		return "REJECT"
	case RiskDecisionManualReview:
		return "MANUAL_REVIEW"
	default:
		return "UNSPECIFIED"
	}
}

// RiskDecision is the outcome of policy evaluation. Immutable once
// produced; attached to a proposal.
type RiskDecision struct {
	Decision      RiskDecisionOutcome
	Reason        string
	ViolatedRules []string
	Warnings      []string
	Metrics       map[string]float64
}

// Clone returns a deep copy of the risk decision.
func (d *RiskDecision) Clone() *RiskDecision {
	if d == nil {
		return nil
	}
	clone := *d
	if len(d.ViolatedRules) > 0 {
		clone.ViolatedRules = append([]string(nil), d.ViolatedRules...)
	}
	if len(d.Warnings) > 0 {
		clone.Warnings = append([]string(nil), d.Warnings...)
	}
	if len(d.Metrics) > 0 {
		clone.Metrics = make(map[string]float64, len(d.Metrics))
		for k, v := range d.Metrics {
			clone.Metrics[k] = v
		}
	}
	return &clone
}
