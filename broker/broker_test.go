package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ordergate/broker"
	"ordergate/core/types"
)

func sampleIntent() *types.OrderIntent {
	limit := decimal.NewFromFloat(150.00)
	return &types.OrderIntent{
		AccountID:   "DU123456",
		Instrument:  types.Instrument{Type: "EQUITY", Symbol: "AAPL", Exchange: "SMART", Currency: "USD"},
		Side:        types.SideBuy,
		Quantity:    decimal.NewFromInt(10),
		OrderType:   types.OrderTypeLimit,
		LimitPrice:  &limit,
		TimeInForce: types.TIFDay,
		Reason:      "Portfolio rebalancing to target allocation",
	}
}

func TestPaperAdapter_SubmitAndPollReachesFilled(t *testing.T) {
	adapter := broker.NewPaperAdapter(map[string]broker.PortfolioSnapshot{
		"DU123456": {AccountID: "DU123456", TotalValue: decimal.NewFromInt(100000), Cash: decimal.NewFromInt(100000)},
	})
	adapter.SetNowFunc(func() time.Time { return time.Date(2026, 1, 2, 14, 0, 0, 0, time.UTC) })

	submitted, err := adapter.Submit(context.Background(), sampleIntent())
	require.NoError(t, err)
	require.Equal(t, broker.StatusSubmitted, submitted.Status)

	status, err := adapter.PollStatus(context.Background(), submitted.BrokerOrderID)
	require.NoError(t, err)
	require.Equal(t, broker.StatusSubmitted, status, "first poll has not settled yet")

	status, err = adapter.PollStatus(context.Background(), submitted.BrokerOrderID)
	require.NoError(t, err)
	require.Equal(t, broker.StatusFilled, status)
}

func TestPaperAdapter_Cancel_TerminalOrderUnaffected(t *testing.T) {
	adapter := broker.NewPaperAdapter(nil)
	submitted, err := adapter.Submit(context.Background(), sampleIntent())
	require.NoError(t, err)

	_, _ = adapter.PollStatus(context.Background(), submitted.BrokerOrderID)
	_, _ = adapter.PollStatus(context.Background(), submitted.BrokerOrderID)

	require.NoError(t, adapter.Cancel(context.Background(), submitted.BrokerOrderID))
	status, err := adapter.PollStatus(context.Background(), submitted.BrokerOrderID)
	require.NoError(t, err)
	require.Equal(t, broker.StatusFilled, status, "cancel must not downgrade an already-terminal order")
}

func TestPaperAdapter_Portfolio_UnseededAccountReturnsEmptySnapshot(t *testing.T) {
	adapter := broker.NewPaperAdapter(nil)
	snap, err := adapter.Portfolio(context.Background(), "UNKNOWN")
	require.NoError(t, err)
	require.True(t, snap.TotalValue.IsZero())
}

func TestFuncAdapter_DelegatesToConfiguredCallbacks(t *testing.T) {
	called := false
	adapter := broker.FuncAdapter{
		SubmitFunc: func(ctx context.Context, intent *types.OrderIntent) (broker.SubmittedOrder, error) {
			called = true
			return broker.SubmittedOrder{BrokerOrderID: "abc", Status: broker.StatusSubmitted}, nil
		},
	}
	_, err := adapter.Submit(context.Background(), sampleIntent())
	require.NoError(t, err)
	require.True(t, called)

	err = adapter.Cancel(context.Background(), "abc")
	require.ErrorIs(t, err, broker.ErrBrokerUnavailable)
}
