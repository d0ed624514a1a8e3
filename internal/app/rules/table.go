// Package rules holds the per-pair trading rule table and the quantizer that
// every order submission passes through.
package rules

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderlink/errs"
	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/observability"
)

// Source fetches the full rule set from the venue.
type Source interface {
	TradingRules(ctx context.Context) ([]schema.TradingRule, error)
}

type snapshot struct {
	rules     map[string]schema.TradingRule
	refreshed time.Time
}

// Table is a read-mostly rule lookup. Refresh builds a complete replacement
// before publishing it, so readers always see one consistent table.
type Table struct {
	current atomic.Pointer[snapshot]
	logger  observability.Logger
}

// NewTable constructs an empty table.
func NewTable(logger observability.Logger) *Table {
	t := &Table{logger: observability.OrNop(logger)}
	t.current.Store(&snapshot{rules: map[string]schema.TradingRule{}})
	return t
}

// Refresh fetches rules from src and swaps them in. On fetch failure the
// previous table stays in place. Rules failing validation are skipped and logged.
func (t *Table) Refresh(ctx context.Context, src Source, now time.Time) error {
	fetched, err := src.TradingRules(ctx)
	if err != nil {
		return fmt.Errorf("refresh trading rules: %w", err)
	}
	return t.Replace(fetched, now)
}

// Replace publishes rules as the new table.
func (t *Table) Replace(rules []schema.TradingRule, now time.Time) error {
	next := make(map[string]schema.TradingRule, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			t.logger.Warn("skip invalid trading rule", observability.F("pair", rule.Pair), observability.Err(err))
			continue
		}
		next[rule.Pair] = rule
	}
	if len(rules) > 0 && len(next) == 0 {
		return errs.Invalid("no valid trading rules in refresh")
	}
	t.current.Store(&snapshot{rules: next, refreshed: now})
	return nil
}

// Get returns the rule for pair.
func (t *Table) Get(pair string) (schema.TradingRule, bool) {
	rule, ok := t.current.Load().rules[pair]
	return rule, ok
}

// All returns a copy of every rule.
func (t *Table) All() []schema.TradingRule {
	snap := t.current.Load()
	out := make([]schema.TradingRule, 0, len(snap.rules))
	for _, rule := range snap.rules {
		out = append(out, rule)
	}
	return out
}

// Len returns the number of known pairs.
func (t *Table) Len() int {
	return len(t.current.Load().rules)
}

// Initialized reports whether at least one rule set has been published.
func (t *Table) Initialized() bool {
	return len(t.current.Load().rules) > 0
}

// RefreshedAt returns the time the current table was published.
func (t *Table) RefreshedAt() time.Time {
	return t.current.Load().refreshed
}

// QuantizeAmount floors amount to the pair's base increment and clamps it to
// the maximum order size. A result below the pair minimum is returned as zero,
// which callers treat as "do not submit".
func (t *Table) QuantizeAmount(pair string, amount decimal.Decimal) (decimal.Decimal, error) {
	rule, ok := t.Get(pair)
	if !ok {
		return decimal.Zero, errs.Invalid(fmt.Sprintf("no trading rule for pair %s", pair), errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	quantized := floorTo(amount, rule.MinBaseAmountIncrement)
	if rule.MaxOrderSize.Sign() > 0 && quantized.GreaterThan(rule.MaxOrderSize) {
		quantized = floorTo(rule.MaxOrderSize, rule.MinBaseAmountIncrement)
	}
	if quantized.Sign() <= 0 || quantized.LessThan(rule.MinOrderSize) {
		return decimal.Zero, nil
	}
	return quantized, nil
}

// QuantizePrice floors price to the pair's price increment.
func (t *Table) QuantizePrice(pair string, price decimal.Decimal) (decimal.Decimal, error) {
	rule, ok := t.Get(pair)
	if !ok {
		return decimal.Zero, errs.Invalid(fmt.Sprintf("no trading rule for pair %s", pair), errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	return floorTo(price, rule.MinPriceIncrement), nil
}

func floorTo(value, increment decimal.Decimal) decimal.Decimal {
	if increment.Sign() <= 0 {
		return value
	}
	return value.Div(increment).Floor().Mul(increment)
}
