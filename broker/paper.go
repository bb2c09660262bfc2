package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ordergate/core/types"
)

// PaperAdapter is an in-memory, deterministic Adapter implementation used
// for tests and the dev/paper environments.
type PaperAdapter struct {
	mu         sync.Mutex
	portfolios map[string]PortfolioSnapshot
	orders     map[string]*paperOrder
	nowFunc    func() time.Time
}

type paperOrder struct {
	status Status
	polls  int
}

// NewPaperAdapter constructs a PaperAdapter seeded with the given portfolio
// snapshots, keyed by account id.
func NewPaperAdapter(portfolios map[string]PortfolioSnapshot) *PaperAdapter {
	return &PaperAdapter{
		portfolios: portfolios,
		orders:     make(map[string]*paperOrder),
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock; used by tests.
func (a *PaperAdapter) SetNowFunc(now func() time.Time) {
	if now == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nowFunc = now
}

// Portfolio returns the seeded snapshot for the account, or an empty one.
func (a *PaperAdapter) Portfolio(ctx context.Context, accountID string) (PortfolioSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap, ok := a.portfolios[accountID]
	if !ok {
		return PortfolioSnapshot{AccountID: accountID, AsOf: a.nowFunc().UTC()}, nil
	}
	return snap, nil
}

// Submit deterministically accepts the order in SUBMITTED; PollStatus
// reports it FILLED from the second poll on, a frictionless paper fill.
func (a *PaperAdapter) Submit(ctx context.Context, intent *types.OrderIntent) (SubmittedOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := uuid.NewString()
	a.orders[id] = &paperOrder{status: StatusSubmitted}
	var limit *float64
	if intent.LimitPrice != nil {
		v, _ := intent.LimitPrice.Float64()
		limit = &v
	}
	qty, _ := intent.Quantity.Float64()
	return SubmittedOrder{
		BrokerOrderID: id,
		Status:        StatusSubmitted,
		Instrument:    intent.Instrument,
		Side:          intent.Side,
		Quantity:      qty,
		OrderType:     intent.OrderType,
		LimitPrice:    limit,
		SubmittedAt:   a.nowFunc().UTC(),
	}, nil
}

// PollStatus flips the order to FILLED on its second poll, simulating a
// one-tick settlement delay without ever busy-waiting the caller.
func (a *PaperAdapter) PollStatus(ctx context.Context, brokerOrderID string) (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	order, ok := a.orders[brokerOrderID]
	if !ok {
		return StatusUnknown, fmt.Errorf("broker: unknown order %q", brokerOrderID)
	}
	if order.status.Terminal() {
		return order.status, nil
	}
	order.polls++
	if order.polls >= 2 {
		order.status = StatusFilled
	}
	return order.status, nil
}

// Cancel marks a non-terminal order CANCELLED.
func (a *PaperAdapter) Cancel(ctx context.Context, brokerOrderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	order, ok := a.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("broker: unknown order %q", brokerOrderID)
	}
	if !order.status.Terminal() {
		order.status = StatusCancelled
	}
	return nil
}
