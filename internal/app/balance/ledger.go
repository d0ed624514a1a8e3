// Package balance keeps the per-asset account balances observed in venue snapshots.
package balance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderlink/internal/domain/schema"
)

// Source fetches a full balance snapshot from the venue.
type Source interface {
	Balances(ctx context.Context) ([]schema.Balance, error)
}

// Ledger holds the latest balance snapshot. Each refresh rebuilds the whole
// map so assets that disappear from the venue snapshot disappear here too.
type Ledger struct {
	mu        sync.RWMutex
	balances  map[string]schema.Balance
	refreshed time.Time
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[string]schema.Balance)}
}

// Refresh fetches a snapshot from src and replaces the ledger contents.
func (l *Ledger) Refresh(ctx context.Context, src Source, now time.Time) error {
	snapshot, err := src.Balances(ctx)
	if err != nil {
		return fmt.Errorf("refresh balances: %w", err)
	}
	l.Replace(snapshot, now)
	return nil
}

// Replace installs snapshot as the complete set of balances. Duplicate assets
// are summed; negative values are clamped to zero.
func (l *Ledger) Replace(snapshot []schema.Balance, now time.Time) {
	next := make(map[string]schema.Balance, len(snapshot))
	for _, b := range snapshot {
		asset := schema.NormalizeCurrencyCode(b.Asset)
		if asset == "" {
			continue
		}
		current := next[asset]
		current.Asset = asset
		current.Available = current.Available.Add(clampNonNegative(b.Available))
		current.Total = current.Total.Add(clampNonNegative(b.Total))
		if current.Total.LessThan(current.Available) {
			current.Total = current.Available
		}
		next[asset] = current
	}

	l.mu.Lock()
	l.balances = next
	l.refreshed = now
	l.mu.Unlock()
}

// Available returns the available balance for asset, zero when unknown.
func (l *Ledger) Available(asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[schema.NormalizeCurrencyCode(asset)].Available
}

// Total returns the total balance for asset, zero when unknown.
func (l *Ledger) Total(asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[schema.NormalizeCurrencyCode(asset)].Total
}

// Snapshot returns every balance sorted by asset.
func (l *Ledger) Snapshot() []schema.Balance {
	l.mu.RLock()
	out := make([]schema.Balance, 0, len(l.balances))
	for _, b := range l.balances {
		out = append(out, b)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Initialized reports whether a snapshot has been applied.
func (l *Ledger) Initialized() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return !l.refreshed.IsZero()
}

// RefreshedAt returns the time of the last applied snapshot.
func (l *Ledger) RefreshedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.refreshed
}

func clampNonNegative(v decimal.Decimal) decimal.Decimal {
	if v.Sign() < 0 {
		return decimal.Zero
	}
	return v
}
