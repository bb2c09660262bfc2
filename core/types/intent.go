// Package types defines the core data model shared by every ordergate
// component: order intents, simulation results, risk decisions, proposals,
// and approval tokens.
package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side uint8

const (
	SideUnspecified Side = iota
	SideBuy
	SideSell
)

// Valid reports whether the side is one of the supported values.
func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell:
		return true
	default:
		return false
	}
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNSPECIFIED"
	}
}

// ParseSide parses a side string, accepting any case.
func ParseSide(raw string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return SideUnspecified, fmt.Errorf("types: unknown side %q", raw)
	}
}

// OrderType enumerates the supported order types.
type OrderType uint8

const (
	OrderTypeUnspecified OrderType = iota
	OrderTypeMarket
	OrderTypeLimit
	OrderTypeStop
	OrderTypeStopLimit
)

// Valid reports whether the order type is one of the supported values.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	default:
		return false
	}
}

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MKT"
	case OrderTypeLimit:
		return "LMT"
	case OrderTypeStop:
		return "STP"
	case OrderTypeStopLimit:
		return "STP_LMT"
	default:
		return "UNSPECIFIED"
	}
}

// ParseOrderType parses an order type string, accepting any case.
func ParseOrderType(raw string) (OrderType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "MKT", "MARKET":
		return OrderTypeMarket, nil
	case "LMT", "LIMIT":
		return OrderTypeLimit, nil
	case "STP", "STOP":
		return OrderTypeStop, nil
	case "STP_LMT", "STOP_LIMIT":
		return OrderTypeStopLimit, nil
	default:
		return OrderTypeUnspecified, fmt.Errorf("types: unknown order type %q", raw)
	}
}

// RequiresLimitPrice reports whether the order type requires a limit price.
func (t OrderType) RequiresLimitPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// RequiresStopPrice reports whether the order type requires a stop price.
func (t OrderType) RequiresStopPrice() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// TimeInForce enumerates the supported time-in-force values.
type TimeInForce uint8

const (
	TIFUnspecified TimeInForce = iota
	TIFDay
	TIFGTC
	TIFIOC
	TIFFOK
)

// Valid reports whether the time-in-force is one of the supported values.
func (t TimeInForce) Valid() bool {
	switch t {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK:
		return true
	default:
		return false
	}
}

func (t TimeInForce) String() string {
	switch t {
	case TIFDay:
		return "DAY"
	case TIFGTC:
		return "GTC"
	case TIFIOC:
		return "IOC"
	case TIFFOK:
		return "FOK"
	default:
		return "UNSPECIFIED"
	}
}

// ParseTimeInForce parses a time-in-force string, accepting any case.
func ParseTimeInForce(raw string) (TimeInForce, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DAY":
		return TIFDay, nil
	case "GTC":
		return TIFGTC, nil
	case "IOC":
		return TIFIOC, nil
	case "FOK":
		return TIFFOK, nil
	default:
		return TIFUnspecified, fmt.Errorf("types: unknown time in force %q", raw)
	}
}

// Instrument identifies the tradeable security an intent refers to.
type Instrument struct {
	Type     string
	Symbol   string
	Exchange string
	Currency string
}

// Clone returns a deep copy of the instrument.
func (i Instrument) Clone() Instrument {
	return i
}

func (i Instrument) validate() error {
	if strings.TrimSpace(i.Symbol) == "" {
		return fmt.Errorf("instrument.symbol required")
	}
	if strings.TrimSpace(i.Type) == "" {
		return fmt.Errorf("instrument.type required")
	}
	if strings.TrimSpace(i.Currency) == "" {
		return fmt.Errorf("instrument.currency required")
	}
	return nil
}

// Constraints carries optional per-order guardrails supplied by the caller.
type Constraints struct {
	MaxSlippageBps *float64
	MaxNotional    *decimal.Decimal
}

// Clone returns a deep copy of the constraints, including pointer fields.
func (c Constraints) Clone() Constraints {
	clone := Constraints{}
	if c.MaxSlippageBps != nil {
		v := *c.MaxSlippageBps
		clone.MaxSlippageBps = &v
	}
	if c.MaxNotional != nil {
		v := *c.MaxNotional
		clone.MaxNotional = &v
	}
	return clone
}

// OrderIntent is the canonical, immutable description of a single
// prospective order.
type OrderIntent struct {
	AccountID   string
	Instrument  Instrument
	Side        Side
	Quantity    decimal.Decimal
	OrderType   OrderType
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce TimeInForce
	Reason      string
	StrategyTag string
	Constraints Constraints
}

// Clone returns a deep copy of the intent, including every pointer field.
func (o *OrderIntent) Clone() *OrderIntent {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Instrument = o.Instrument.Clone()
	clone.Constraints = o.Constraints.Clone()
	if o.LimitPrice != nil {
		v := *o.LimitPrice
		clone.LimitPrice = &v
	}
	if o.StopPrice != nil {
		v := *o.StopPrice
		clone.StopPrice = &v
	}
	return &clone
}

// reasonMinChars and reasonMinWords bound the free-text reason: at least
// 10 characters and at least 3 words.
const (
	reasonMinChars = 10
	reasonMinWords = 3
)

// Sanitize validates the intent's semantic fields and returns a normalized
// clone; the input is never mutated.
func Sanitize(intent *OrderIntent) (*OrderIntent, error) {
	if intent == nil {
		return nil, fmt.Errorf("intent required")
	}
	clone := intent.Clone()
	clone.AccountID = strings.TrimSpace(clone.AccountID)
	if clone.AccountID == "" {
		return nil, fmt.Errorf("intent.account_id required")
	}
	if err := clone.Instrument.validate(); err != nil {
		return nil, err
	}
	if !clone.Side.Valid() {
		return nil, fmt.Errorf("intent.side invalid")
	}
	if clone.Quantity.Sign() <= 0 {
		return nil, fmt.Errorf("intent.quantity must be positive")
	}
	if !clone.OrderType.Valid() {
		return nil, fmt.Errorf("intent.order_type invalid")
	}
	if clone.OrderType.RequiresLimitPrice() && (clone.LimitPrice == nil || clone.LimitPrice.Sign() <= 0) {
		return nil, fmt.Errorf("intent.limit_price required for order type %s", clone.OrderType)
	}
	if clone.OrderType.RequiresStopPrice() && (clone.StopPrice == nil || clone.StopPrice.Sign() <= 0) {
		return nil, fmt.Errorf("intent.stop_price required for order type %s", clone.OrderType)
	}
	if !clone.TimeInForce.Valid() {
		return nil, fmt.Errorf("intent.time_in_force invalid")
	}
	clone.Reason = strings.TrimSpace(clone.Reason)
	if len(clone.Reason) < reasonMinChars {
		return nil, fmt.Errorf("intent.reason must be at least %d characters", reasonMinChars)
	}
	if len(strings.Fields(clone.Reason)) < reasonMinWords {
		return nil, fmt.Errorf("intent.reason must contain at least %d words", reasonMinWords)
	}
	clone.StrategyTag = strings.TrimSpace(clone.StrategyTag)
	return clone, nil
}
