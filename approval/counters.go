package approval

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ordergate/riskengine"
)

// CounterStore owns the per-account-per-UTC-day running totals R7/R8/R11
// consume. The risk engine itself stays a pure function, so something has
// to own the mutable state it reads; the approval layer is the natural
// owner since it already serialises per-proposal state transitions.
type CounterStore struct {
	mu       sync.Mutex
	accounts map[string]*accountCounters
}

type accountCounters struct {
	day           string // UTC date, YYYY-MM-DD
	tradesCount   int
	pnl           decimal.Decimal
	highWaterMark decimal.Decimal
}

// NewCounterStore constructs an empty, zero-value CounterStore.
func NewCounterStore() *CounterStore {
	return &CounterStore{accounts: make(map[string]*accountCounters)}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (cs *CounterStore) entry(accountID string) *accountCounters {
	acc, ok := cs.accounts[accountID]
	if !ok {
		acc = &accountCounters{}
		cs.accounts[accountID] = acc
	}
	return acc
}

// rollIfNewDay resets the day-scoped fields (trades count, realized P&L) when
// the UTC calendar day has advanced since the last observation. The
// high-water mark is never reset: it tracks the all-time peak portfolio
// value that R11's drawdown check measures against.
func rollIfNewDay(acc *accountCounters, now time.Time) {
	today := dayKey(now)
	if acc.day != today {
		acc.day = today
		acc.tradesCount = 0
		acc.pnl = decimal.Zero
	}
}

// Snapshot returns the current DailyCounters for accountID, rolling the
// daily fields over if the UTC day has changed and advancing the high-water
// mark if currentPortfolioValue is a new peak. This is called once per risk
// evaluation, immediately before Engine.Evaluate, so the decision always
// sees an up-to-date high-water mark.
func (cs *CounterStore) Snapshot(accountID string, currentPortfolioValue decimal.Decimal, now time.Time) riskengine.DailyCounters {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	acc := cs.entry(accountID)
	rollIfNewDay(acc, now)
	if currentPortfolioValue.GreaterThan(acc.highWaterMark) {
		acc.highWaterMark = currentPortfolioValue
	}
	return riskengine.DailyCounters{
		TradesCount:   acc.tradesCount,
		PnL:           acc.pnl,
		HighWaterMark: acc.highWaterMark,
	}
}

// RecordTrade increments the daily trade count and accumulates realized P&L
// for accountID. Called once a fill is confirmed; a pure simulate/evaluate
// call that never reaches SUBMITTED must not move these counters.
func (cs *CounterStore) RecordTrade(accountID string, realizedPnL decimal.Decimal, now time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	acc := cs.entry(accountID)
	rollIfNewDay(acc, now)
	acc.tradesCount++
	acc.pnl = acc.pnl.Add(realizedPnL)
}
