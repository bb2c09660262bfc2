package approval_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ordergate/approval"
)

func TestCounterStore_Snapshot_TracksHighWaterMark(t *testing.T) {
	cs := approval.NewCounterStore()
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	first := cs.Snapshot("DU123456", decimal.NewFromInt(100000), now)
	require.True(t, first.HighWaterMark.Equal(decimal.NewFromInt(100000)))

	dip := cs.Snapshot("DU123456", decimal.NewFromInt(90000), now)
	require.True(t, dip.HighWaterMark.Equal(decimal.NewFromInt(100000)), "high-water mark must not fall with the portfolio")

	newPeak := cs.Snapshot("DU123456", decimal.NewFromInt(110000), now)
	require.True(t, newPeak.HighWaterMark.Equal(decimal.NewFromInt(110000)))
}

func TestCounterStore_RecordTrade_ResetsOnNewUTCDay(t *testing.T) {
	cs := approval.NewCounterStore()
	day1 := time.Date(2026, 1, 2, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 3, 0, 1, 0, 0, time.UTC)

	cs.RecordTrade("DU123456", decimal.NewFromInt(-50), day1)
	cs.RecordTrade("DU123456", decimal.NewFromInt(-50), day1)
	snap := cs.Snapshot("DU123456", decimal.NewFromInt(100000), day1)
	require.Equal(t, 2, snap.TradesCount)
	require.True(t, snap.PnL.Equal(decimal.NewFromInt(-100)))

	snap = cs.Snapshot("DU123456", decimal.NewFromInt(100000), day2)
	require.Equal(t, 0, snap.TradesCount, "trade count resets on a new UTC day")
	require.True(t, snap.PnL.IsZero(), "P&L resets on a new UTC day")
	require.True(t, snap.HighWaterMark.Equal(decimal.NewFromInt(100000)), "high-water mark persists across days")
}
