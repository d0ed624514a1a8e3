package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UpdateSource identifies which channel produced an order update.
type UpdateSource string

const (
	// UpdateSourcePoll marks updates fetched by the status polling loop.
	UpdateSourcePoll UpdateSource = "poll"
	// UpdateSourceStream marks updates pushed over the venue report stream.
	UpdateSourceStream UpdateSource = "stream"
	// UpdateSourceCancel marks updates returned by an explicit cancel request.
	UpdateSourceCancel UpdateSource = "cancel"
)

// OrderUpdate is the normalised form of a raw venue order payload. Optional
// numeric fields use decimal.NullDecimal so absence is distinguishable from zero.
type OrderUpdate struct {
	Source          UpdateSource
	ClientOrderID   string
	ExchangeOrderID string
	// RawState is the venue vocabulary status string, normalised by the reconciler.
	RawState string
	// CumulativeBase is the total executed base amount reported by the venue.
	CumulativeBase decimal.NullDecimal
	// FillPrice is the execution price of the most recent increment.
	FillPrice decimal.NullDecimal
	// AveragePrice is the venue's average execution price across all fills.
	AveragePrice decimal.NullDecimal
	// TradeFee is a venue-reported fee for the most recent increment.
	TradeFee  decimal.NullDecimal
	FeeAsset  string
	Timestamp time.Time
}

// Validate checks the structural invariants of the update once at the boundary.
func (u OrderUpdate) Validate() error {
	if strings.TrimSpace(u.ClientOrderID) == "" {
		return fmt.Errorf("order update: client order id required")
	}
	if u.CumulativeBase.Valid && u.CumulativeBase.Decimal.Sign() < 0 {
		return fmt.Errorf("order update %s: negative cumulative amount %s", u.ClientOrderID, u.CumulativeBase.Decimal)
	}
	if u.FillPrice.Valid && u.FillPrice.Decimal.Sign() < 0 {
		return fmt.Errorf("order update %s: negative fill price %s", u.ClientOrderID, u.FillPrice.Decimal)
	}
	if u.AveragePrice.Valid && u.AveragePrice.Decimal.Sign() < 0 {
		return fmt.Errorf("order update %s: negative average price %s", u.ClientOrderID, u.AveragePrice.Decimal)
	}
	return nil
}

// Decimal wraps a value as a present NullDecimal.
func Decimal(value decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: value, Valid: true}
}
