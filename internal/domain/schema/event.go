package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates the order lifecycle notifications emitted by the connector.
type EventType string

const (
	// EventTypeOrderCreated is emitted once the venue accepts a submitted order.
	EventTypeOrderCreated EventType = "OrderCreated"
	// EventTypeOrderFilled is emitted for every positive execution increment.
	EventTypeOrderFilled EventType = "OrderFilled"
	// EventTypeOrderCompleted is emitted once when an order becomes fully filled.
	EventTypeOrderCompleted EventType = "OrderCompleted"
	// EventTypeOrderCancelled is emitted once when an order is cancelled or expires.
	EventTypeOrderCancelled EventType = "OrderCancelled"
	// EventTypeOrderFailure is emitted when the venue rejects or loses an order.
	EventTypeOrderFailure EventType = "OrderFailure"
	// EventTypeTransactionFailure is emitted when a submission times out before the venue answers.
	EventTypeTransactionFailure EventType = "TransactionFailure"
)

// Terminal reports whether the event closes the lifecycle of its order.
func (t EventType) Terminal() bool {
	switch t {
	case EventTypeOrderCompleted, EventTypeOrderCancelled, EventTypeOrderFailure:
		return true
	default:
		return false
	}
}

// Valid reports whether t is one of the lifecycle event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeOrderCreated, EventTypeOrderFilled, EventTypeOrderCompleted,
		EventTypeOrderCancelled, EventTypeOrderFailure, EventTypeTransactionFailure:
		return true
	default:
		return false
	}
}

// Event is the envelope delivered to event consumers. Payload carries one of
// the typed payloads below, matching Type.
type Event struct {
	EventID         string    `json:"event_id"`
	Type            EventType `json:"type"`
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	Pair            string    `json:"pair"`
	Side            TradeSide `json:"side"`
	OrderType       OrderType `json:"order_type"`
	Timestamp       time.Time `json:"timestamp"`
	Payload         any       `json:"payload,omitempty"`
}

// CreatedPayload describes an accepted order.
type CreatedPayload struct {
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

// FillPayload describes one execution increment.
type FillPayload struct {
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	FeeAsset string          `json:"fee_asset,omitempty"`
}

// CompletedPayload summarises a fully executed order.
type CompletedPayload struct {
	BaseAsset   string          `json:"base_asset"`
	QuoteAsset  string          `json:"quote_asset"`
	BaseAmount  decimal.Decimal `json:"base_amount"`
	QuoteAmount decimal.Decimal `json:"quote_amount"`
	Fee         decimal.Decimal `json:"fee"`
	FeeAsset    string          `json:"fee_asset,omitempty"`
}

// FailurePayload describes why an order or transaction failed.
type FailurePayload struct {
	Reason string `json:"reason"`
}

// NewOrderEvent builds an envelope populated from the tracked order snapshot.
func NewOrderEvent(typ EventType, order InFlightOrder, ts time.Time, payload any) Event {
	return Event{
		Type:            typ,
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Pair:            order.Pair,
		Side:            order.Side,
		OrderType:       order.Type,
		Timestamp:       ts,
		Payload:         payload,
	}
}
