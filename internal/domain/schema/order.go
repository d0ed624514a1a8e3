package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide captures the direction of an order.
type TradeSide string

const (
	// TradeSideBuy indicates buy orders.
	TradeSideBuy TradeSide = "Buy"
	// TradeSideSell indicates sell orders.
	TradeSideSell TradeSide = "Sell"
)

// Valid reports whether the side is one of the supported values.
func (s TradeSide) Valid() bool {
	return s == TradeSideBuy || s == TradeSideSell
}

// OrderType enumerates the order kinds the connector submits.
type OrderType string

const (
	// OrderTypeLimit represents limit orders.
	OrderTypeLimit OrderType = "Limit"
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "Market"
)

// Valid reports whether the order type is supported.
func (t OrderType) Valid() bool {
	return t == OrderTypeLimit || t == OrderTypeMarket
}

// OrderState enumerates the normalised lifecycle states of an order.
type OrderState string

const (
	// OrderStateNew indicates the order is accepted (or optimistically tracked) and open.
	OrderStateNew OrderState = "New"
	// OrderStateSuspended indicates the venue parked the order; it remains open.
	OrderStateSuspended OrderState = "Suspended"
	// OrderStatePartiallyFilled indicates a partial execution; it remains open.
	OrderStatePartiallyFilled OrderState = "PartiallyFilled"
	// OrderStateFilled indicates full execution.
	OrderStateFilled OrderState = "Filled"
	// OrderStateCancelled indicates cancellation.
	OrderStateCancelled OrderState = "Cancelled"
	// OrderStateExpired indicates the venue expired the order.
	OrderStateExpired OrderState = "Expired"
)

// IsTerminal reports whether no further updates are expected after this state.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateExpired:
		return true
	default:
		return false
	}
}

// IsCancellation reports whether the state ends the order without completing it.
// Expired orders are handled exactly like cancelled ones.
func (s OrderState) IsCancellation() bool {
	return s == OrderStateCancelled || s == OrderStateExpired
}

// Valid reports whether the state is a known lifecycle state.
func (s OrderState) Valid() bool {
	switch s {
	case OrderStateNew, OrderStateSuspended, OrderStatePartiallyFilled,
		OrderStateFilled, OrderStateCancelled, OrderStateExpired:
		return true
	default:
		return false
	}
}

// InFlightOrder is the tracked state of an order submitted to the venue.
type InFlightOrder struct {
	ClientOrderID   string          `json:"clientOrderId"`
	ExchangeOrderID string          `json:"exchangeOrderId,omitempty"`
	Pair            string          `json:"pair"`
	Side            TradeSide       `json:"side"`
	Type            OrderType       `json:"type"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	ExecutedBase    decimal.Decimal `json:"executedBase"`
	ExecutedQuote   decimal.Decimal `json:"executedQuote"`
	FeePaid         decimal.Decimal `json:"feePaid"`
	FeeAsset        string          `json:"feeAsset,omitempty"`
	LastState       OrderState      `json:"lastState"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// IsOpen reports whether the order is still awaiting a terminal state.
func (o InFlightOrder) IsOpen() bool {
	return !o.LastState.IsTerminal()
}

// Remaining returns the unexecuted base amount, never negative.
func (o InFlightOrder) Remaining() decimal.Decimal {
	remaining := o.Amount.Sub(o.ExecutedBase)
	if remaining.Sign() < 0 {
		return decimal.Zero
	}
	return remaining
}

// BaseAsset returns the base currency of the order pair.
func (o InFlightOrder) BaseAsset() string {
	base, _ := SplitPair(o.Pair)
	return base
}

// QuoteAsset returns the quote currency of the order pair.
func (o InFlightOrder) QuoteAsset() string {
	_, quote := SplitPair(o.Pair)
	return quote
}

// NormalizeCurrencyCode uppercases and trims an asset code.
func NormalizeCurrencyCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizePair builds the canonical BASE-QUOTE identifier.
func NormalizePair(base, quote string) string {
	base = NormalizeCurrencyCode(base)
	quote = NormalizeCurrencyCode(quote)
	if base == "" || quote == "" {
		return ""
	}
	return base + "-" + quote
}

// SplitPair splits a canonical BASE-QUOTE identifier.
func SplitPair(pair string) (string, string) {
	base, quote, ok := strings.Cut(strings.TrimSpace(pair), "-")
	if !ok {
		return NormalizeCurrencyCode(pair), ""
	}
	return NormalizeCurrencyCode(base), NormalizeCurrencyCode(quote)
}

// OrderRequest is a quantized placement handed to the venue.
type OrderRequest struct {
	ClientOrderID string          `json:"clientOrderId"`
	Pair          string          `json:"pair"`
	Side          TradeSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
}
