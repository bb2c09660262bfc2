// Package broker defines the external-broker collaborator contract: the
// adapter surface the rest of ordergate consumes — portfolio snapshots,
// submit, poll, cancel — plus the submitter that orchestrates the only
// path an order takes to a real broker. The wire protocol itself lives
// behind the Adapter interface.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ordergate/core/types"
)

// ErrBrokerUnavailable is returned when a broker call fails to complete
// within its configured timeout, or the transport itself errors.
var ErrBrokerUnavailable = errors.New("broker: unavailable")

// ErrBrokerRejected is returned when the broker synchronously refuses an
// order at submission time.
var ErrBrokerRejected = errors.New("broker: rejected")

// Status is the broker-reported order status.
type Status string

const (
	StatusUnknown   Status = ""
	StatusSubmitted Status = "SUBMITTED"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
)

// Terminal reports whether the status admits no further polling.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// PortfolioSnapshot is the minimal account-state view fetched before
// simulation and risk evaluation. Money fields are fixed-point decimals;
// only volatility/percentage intermediates use floats.
type PortfolioSnapshot struct {
	AccountID  string
	TotalValue decimal.Decimal
	Cash       decimal.Decimal
	Positions  map[string]decimal.Decimal // symbol -> market value
	AsOf       time.Time
}

// SubmittedOrder is the descriptor returned once an intent has been handed
// to the broker.
type SubmittedOrder struct {
	BrokerOrderID string
	Status        Status
	Instrument    types.Instrument
	Side          types.Side
	Quantity      float64
	OrderType     types.OrderType
	LimitPrice    *float64
	SubmittedAt   time.Time
}

// Adapter is the only path that actually hands an order to the broker.
// The wire protocol behind it is an external collaborator; ordergate only
// depends on this interface.
type Adapter interface {
	// Portfolio fetches the current portfolio snapshot for an account.
	Portfolio(ctx context.Context, accountID string) (PortfolioSnapshot, error)
	// Submit hands the intent to the broker, returning its assigned order
	// id. ErrBrokerRejected indicates a synchronous refusal.
	Submit(ctx context.Context, intent *types.OrderIntent) (SubmittedOrder, error)
	// PollStatus queries the current status of a previously submitted
	// order.
	PollStatus(ctx context.Context, brokerOrderID string) (Status, error)
	// Cancel requests cancellation of a previously submitted order.
	Cancel(ctx context.Context, brokerOrderID string) error
}

// FuncAdapter adapts callback functions to Adapter.
type FuncAdapter struct {
	PortfolioFunc func(ctx context.Context, accountID string) (PortfolioSnapshot, error)
	SubmitFunc    func(ctx context.Context, intent *types.OrderIntent) (SubmittedOrder, error)
	PollFunc      func(ctx context.Context, brokerOrderID string) (Status, error)
	CancelFunc    func(ctx context.Context, brokerOrderID string) error
}

// Portfolio delegates to the configured callback.
func (a FuncAdapter) Portfolio(ctx context.Context, accountID string) (PortfolioSnapshot, error) {
	if a.PortfolioFunc == nil {
		return PortfolioSnapshot{}, ErrBrokerUnavailable
	}
	return a.PortfolioFunc(ctx, accountID)
}

// Submit delegates to the configured callback.
func (a FuncAdapter) Submit(ctx context.Context, intent *types.OrderIntent) (SubmittedOrder, error) {
	if a.SubmitFunc == nil {
		return SubmittedOrder{}, ErrBrokerUnavailable
	}
	return a.SubmitFunc(ctx, intent)
}

// PollStatus delegates to the configured callback.
func (a FuncAdapter) PollStatus(ctx context.Context, brokerOrderID string) (Status, error) {
	if a.PollFunc == nil {
		return StatusUnknown, ErrBrokerUnavailable
	}
	return a.PollFunc(ctx, brokerOrderID)
}

// Cancel delegates to the configured callback.
func (a FuncAdapter) Cancel(ctx context.Context, brokerOrderID string) error {
	if a.CancelFunc == nil {
		return ErrBrokerUnavailable
	}
	return a.CancelFunc(ctx, brokerOrderID)
}
