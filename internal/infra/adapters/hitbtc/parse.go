package hitbtc

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/orderlink/internal/domain/schema"
)

type symbolRecord struct {
	ID                   string `json:"id"`
	BaseCurrency         string `json:"baseCurrency"`
	QuoteCurrency        string `json:"quoteCurrency"`
	QuantityIncrement    string `json:"quantityIncrement"`
	TickSize             string `json:"tickSize"`
	TakeLiquidityRate    string `json:"takeLiquidityRate"`
	ProvideLiquidityRate string `json:"provideLiquidityRate"`
}

type balanceRecord struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Reserved  string `json:"reserved"`
}

type feeRecord struct {
	TakeLiquidityRate    string `json:"takeLiquidityRate"`
	ProvideLiquidityRate string `json:"provideLiquidityRate"`
}

// orderRecord is shared by REST order responses and stream reports.
type orderRecord struct {
	ID            json.Number `json:"id"`
	ClientOrderID string      `json:"clientOrderId"`
	Symbol        string      `json:"symbol"`
	Side          string      `json:"side"`
	Status        string      `json:"status"`
	Type          string      `json:"type"`
	Quantity      string      `json:"quantity"`
	Price         string      `json:"price"`
	CumQuantity   string      `json:"cumQuantity"`
	AvgPrice      string      `json:"avgPrice"`
	CreatedAt     string      `json:"createdAt"`
	UpdatedAt     string      `json:"updatedAt"`
	ReportType    string      `json:"reportType"`
	TradeQuantity string      `json:"tradeQuantity"`
	TradePrice    string      `json:"tradePrice"`
	TradeFee      string      `json:"tradeFee"`
}

// NormalizeState maps a HitBTC order status onto the lifecycle enumeration.
// Rejected orders never executed and are reported as cancelled.
func NormalizeState(raw string) (schema.OrderState, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "new":
		return schema.OrderStateNew, true
	case "suspended":
		return schema.OrderStateSuspended, true
	case "partiallyfilled":
		return schema.OrderStatePartiallyFilled, true
	case "filled":
		return schema.OrderStateFilled, true
	case "canceled", "cancelled", "rejected":
		return schema.OrderStateCancelled, true
	case "expired":
		return schema.OrderStateExpired, true
	default:
		return "", false
	}
}

func (r orderRecord) toUpdate(source schema.UpdateSource) schema.OrderUpdate {
	update := schema.OrderUpdate{
		Source:          source,
		ClientOrderID:   strings.TrimSpace(r.ClientOrderID),
		ExchangeOrderID: strings.TrimSpace(r.ID.String()),
		RawState:        strings.TrimSpace(r.Status),
		CumulativeBase:  nullDecimal(r.CumQuantity),
		AveragePrice:    nullDecimal(r.AvgPrice),
		Timestamp:       parseTime(r.UpdatedAt, r.CreatedAt),
	}
	// Only trade reports carry the price and fee of the latest execution.
	if strings.EqualFold(strings.TrimSpace(r.ReportType), "trade") {
		update.FillPrice = nullDecimal(r.TradePrice)
		update.TradeFee = nullDecimal(r.TradeFee)
	}
	return update
}

func (r symbolRecord) pair() string {
	return schema.NormalizePair(r.BaseCurrency, r.QuoteCurrency)
}

func (r symbolRecord) toRule(maxOrderSize decimal.Decimal) (schema.TradingRule, bool) {
	pair := r.pair()
	qtyStep, okQty := parseDecimal(r.QuantityIncrement)
	tick, okTick := parseDecimal(r.TickSize)
	if pair == "" || !okQty || !okTick {
		return schema.TradingRule{}, false
	}
	rule := schema.TradingRule{
		Pair:                    pair,
		MinOrderSize:            qtyStep,
		MaxOrderSize:            maxOrderSize,
		MinPriceIncrement:       tick,
		MinBaseAmountIncrement:  qtyStep,
		MinQuoteAmountIncrement: tick,
	}
	return rule, rule.Validate() == nil
}

func parseDecimal(value string) (decimal.Decimal, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func nullDecimal(value string) decimal.NullDecimal {
	d, ok := parseDecimal(value)
	if !ok {
		return decimal.NullDecimal{}
	}
	return schema.Decimal(d)
}

func parseTime(values ...string) time.Time {
	for _, v := range values {
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v)); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func venueSide(side schema.TradeSide) string {
	return strings.ToLower(string(side))
}

func venueType(kind schema.OrderType) string {
	return strings.ToLower(string(kind))
}
