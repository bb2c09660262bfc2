package types_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ordergate/core/types"
)

func validIntent() *types.OrderIntent {
	return &types.OrderIntent{
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
	}
}

func TestSanitize_AcceptsValidIntent(t *testing.T) {
	sanitized, err := types.Sanitize(validIntent())
	require.NoError(t, err)
	require.Equal(t, "DU123456", sanitized.AccountID)
}

func TestSanitize_RejectsMissingAccountID(t *testing.T) {
	intent := validIntent()
	intent.AccountID = "   "
	_, err := types.Sanitize(intent)
	require.Error(t, err)
}

func TestSanitize_RejectsMissingInstrumentFields(t *testing.T) {
	intent := validIntent()
	intent.Instrument.Symbol = ""
	_, err := types.Sanitize(intent)
	require.Error(t, err)
}

func TestSanitize_RejectsInvalidSide(t *testing.T) {
	intent := validIntent()
	intent.Side = types.SideUnspecified
	_, err := types.Sanitize(intent)
	require.Error(t, err)
}

func TestSanitize_RejectsNonPositiveQuantity(t *testing.T) {
	intent := validIntent()
	intent.Quantity = decimal.Zero
	_, err := types.Sanitize(intent)
	require.Error(t, err)
}

func TestSanitize_LimitOrderRequiresLimitPrice(t *testing.T) {
	intent := validIntent()
	intent.OrderType = types.OrderTypeLimit
	_, err := types.Sanitize(intent)
	require.Error(t, err)

	price := decimal.NewFromInt(100)
	intent.LimitPrice = &price
	sanitized, err := types.Sanitize(intent)
	require.NoError(t, err)
	require.True(t, sanitized.LimitPrice.Equal(price))
}

func TestSanitize_StopLimitRequiresBothPrices(t *testing.T) {
	intent := validIntent()
	intent.OrderType = types.OrderTypeStopLimit
	limit := decimal.NewFromInt(100)
	intent.LimitPrice = &limit
	_, err := types.Sanitize(intent)
	require.Error(t, err)

	stop := decimal.NewFromInt(95)
	intent.StopPrice = &stop
	_, err = types.Sanitize(intent)
	require.NoError(t, err)
}

func TestSanitize_RejectsShortReason(t *testing.T) {
	intent := validIntent()
	intent.Reason = "too short"
	_, err := types.Sanitize(intent)
	require.Error(t, err)
}

func TestSanitize_RejectsReasonWithTooFewWords(t *testing.T) {
	intent := validIntent()
	intent.Reason = "aaaaaaaaaaaaaaaa"
	_, err := types.Sanitize(intent)
	require.Error(t, err)
}

func TestSanitize_DoesNotMutateInput(t *testing.T) {
	intent := validIntent()
	intent.AccountID = "  DU999  "
	sanitized, err := types.Sanitize(intent)
	require.NoError(t, err)
	require.Equal(t, "DU999", sanitized.AccountID)
	require.Equal(t, "  DU999  ", intent.AccountID)
}

func TestOrderIntent_CloneIsIndependent(t *testing.T) {
	price := decimal.NewFromInt(100)
	intent := validIntent()
	intent.LimitPrice = &price

	clone := intent.Clone()
	*clone.LimitPrice = decimal.NewFromInt(200)
	require.True(t, intent.LimitPrice.Equal(price))
}

func TestIntentHash_IsDeterministicAndSensitiveToFields(t *testing.T) {
	a, err := types.Sanitize(validIntent())
	require.NoError(t, err)
	b, err := types.Sanitize(validIntent())
	require.NoError(t, err)

	require.Equal(t, types.IntentHash(a), types.IntentHash(b))

	b.Quantity = decimal.NewFromInt(20)
	require.NotEqual(t, types.IntentHash(a), types.IntentHash(b))
}

func TestIntentHash_NilIntentReturnsEmptyString(t *testing.T) {
	require.Equal(t, "", types.IntentHash(nil))
}
