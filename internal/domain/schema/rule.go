package schema

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TradingRule captures venue constraints for a single pair. Rules are replaced
// wholesale on refresh and never mutated in place.
type TradingRule struct {
	Pair                    string          `json:"pair"`
	MinOrderSize            decimal.Decimal `json:"minOrderSize"`
	MaxOrderSize            decimal.Decimal `json:"maxOrderSize"`
	MinPriceIncrement       decimal.Decimal `json:"minPriceIncrement"`
	MinBaseAmountIncrement  decimal.Decimal `json:"minBaseAmountIncrement"`
	MinQuoteAmountIncrement decimal.Decimal `json:"minQuoteAmountIncrement"`
}

// Validate enforces positive increments and coherent bounds.
func (r TradingRule) Validate() error {
	if strings.TrimSpace(r.Pair) == "" {
		return fmt.Errorf("trading rule: pair required")
	}
	if r.MinPriceIncrement.Sign() <= 0 {
		return fmt.Errorf("trading rule %s: price increment must be > 0", r.Pair)
	}
	if r.MinBaseAmountIncrement.Sign() <= 0 {
		return fmt.Errorf("trading rule %s: base increment must be > 0", r.Pair)
	}
	if r.MinQuoteAmountIncrement.Sign() <= 0 {
		return fmt.Errorf("trading rule %s: quote increment must be > 0", r.Pair)
	}
	if r.MinOrderSize.Sign() < 0 {
		return fmt.Errorf("trading rule %s: min order size must be >= 0", r.Pair)
	}
	if r.MaxOrderSize.Sign() > 0 && r.MaxOrderSize.LessThan(r.MinOrderSize) {
		return fmt.Errorf("trading rule %s: max order size below min order size", r.Pair)
	}
	return nil
}

// Balance is the per-asset account balance observed in a snapshot.
type Balance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Total     decimal.Decimal `json:"total"`
}

// FeeSchedule holds proportional maker and taker rates for a pair.
type FeeSchedule struct {
	Pair  string          `json:"pair"`
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}
