package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// IntentHash computes a deterministic digest over an intent's semantic
// fields, used to bind an approval token to the exact payload approved by a
// human operator. Internal ids (proposal id, token id) are intentionally
// excluded.
func IntentHash(intent *OrderIntent) string {
	if intent == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "account=%s|", intent.AccountID)
	fmt.Fprintf(&b, "type=%s|symbol=%s|exchange=%s|currency=%s|",
		intent.Instrument.Type, intent.Instrument.Symbol, intent.Instrument.Exchange, intent.Instrument.Currency)
	fmt.Fprintf(&b, "side=%s|qty=%s|order_type=%s|tif=%s|",
		intent.Side.String(), intent.Quantity.String(), intent.OrderType.String(), intent.TimeInForce.String())
	if intent.LimitPrice != nil {
		fmt.Fprintf(&b, "limit=%s|", intent.LimitPrice.String())
	} else {
		b.WriteString("limit=|")
	}
	if intent.StopPrice != nil {
		fmt.Fprintf(&b, "stop=%s|", intent.StopPrice.String())
	} else {
		b.WriteString("stop=|")
	}
	fmt.Fprintf(&b, "reason=%s|strategy=%s|", intent.Reason, intent.StrategyTag)
	if intent.Constraints.MaxSlippageBps != nil {
		fmt.Fprintf(&b, "max_slippage_bps=%g|", *intent.Constraints.MaxSlippageBps)
	}
	if intent.Constraints.MaxNotional != nil {
		fmt.Fprintf(&b, "max_notional=%s|", intent.Constraints.MaxNotional.String())
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
