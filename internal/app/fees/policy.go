// Package fees resolves the proportional fee rate applied to executions.
package fees

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderlink/internal/domain/schema"
)

// DefaultRate is the flat tier applied when no schedule is known for a pair.
var DefaultRate = decimal.RequireFromString("0.001")

// Source fetches the account fee schedule for a pair.
type Source interface {
	TradingFees(ctx context.Context, pair string) (schema.FeeSchedule, error)
}

// Policy maps an execution to its fee rate. Limit orders pay the maker rate and
// market orders the taker rate; per-pair schedules override the default tier.
type Policy struct {
	mu        sync.RWMutex
	maker     decimal.Decimal
	taker     decimal.Decimal
	overrides map[string]schema.FeeSchedule
}

// NewPolicy constructs a policy with the supplied default tier. Non-positive
// rates fall back to DefaultRate.
func NewPolicy(maker, taker decimal.Decimal) *Policy {
	if maker.Sign() <= 0 {
		maker = DefaultRate
	}
	if taker.Sign() <= 0 {
		taker = DefaultRate
	}
	return &Policy{maker: maker, taker: taker, overrides: make(map[string]schema.FeeSchedule)}
}

// Rate returns the proportional fee rate for an execution. The flat tier
// ignores side, price and amount.
func (p *Policy) Rate(pair string, kind schema.OrderType, side schema.TradeSide, price, amount decimal.Decimal) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	maker, taker := p.maker, p.taker
	if schedule, ok := p.overrides[pair]; ok {
		maker, taker = schedule.Maker, schedule.Taker
	}
	if kind == schema.OrderTypeMarket {
		return taker
	}
	return maker
}

// Fee returns rate * quote for an execution of amount at price.
func (p *Policy) Fee(pair string, kind schema.OrderType, side schema.TradeSide, price, amount decimal.Decimal) decimal.Decimal {
	return p.Rate(pair, kind, side, price, amount).Mul(price.Mul(amount))
}

// SetSchedule installs a per-pair override.
func (p *Policy) SetSchedule(schedule schema.FeeSchedule) {
	if schedule.Pair == "" || schedule.Maker.Sign() < 0 || schedule.Taker.Sign() < 0 {
		return
	}
	p.mu.Lock()
	p.overrides[schedule.Pair] = schedule
	p.mu.Unlock()
}

// Refresh fetches schedules for pairs and installs them. Fetch failures for
// individual pairs leave their previous schedule untouched.
func (p *Policy) Refresh(ctx context.Context, src Source, pairs []string) error {
	var firstErr error
	for _, pair := range pairs {
		schedule, err := src.TradingFees(ctx, pair)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("refresh fees for %s: %w", pair, err)
			}
			continue
		}
		if schedule.Pair == "" {
			schedule.Pair = pair
		}
		p.SetSchedule(schedule)
	}
	return firstErr
}
