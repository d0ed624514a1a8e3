// Package tracking owns the in-flight order registry shared by the polling loop,
// the stream listener and the submission workflow.
package tracking

import (
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/domain/trackingstore"
	"github.com/coachpo/orderlink/internal/observability"
)

// Registry stores in-flight orders keyed by client order id. Mutations of a
// single order are serialised by a per-order lock; unrelated orders never
// contend beyond the short map lookup.
//
// Lock order: the map lock is released before an entry lock is taken, except
// on removal where the entry lock is held while the map lock is acquired.
type Registry struct {
	mu     sync.RWMutex
	orders map[string]*entry
	logger observability.Logger
}

type entry struct {
	mu      sync.Mutex
	order   schema.InFlightOrder
	removed bool
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger observability.Logger) *Registry {
	return &Registry{
		orders: make(map[string]*entry),
		logger: observability.OrNop(logger),
	}
}

// StartTracking inserts order in state New with zeroed execution totals. It is
// a logged no-op returning false when the client id is already tracked.
func (r *Registry) StartTracking(order schema.InFlightOrder) bool {
	id := strings.TrimSpace(order.ClientOrderID)
	if id == "" {
		r.logger.Warn("start tracking ignored: empty client order id")
		return false
	}
	order.ClientOrderID = id
	order.LastState = schema.OrderStateNew
	order.ExecutedBase = decimal.Zero
	order.ExecutedQuote = decimal.Zero
	order.FeePaid = decimal.Zero

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[id]; exists {
		r.logger.Warn("start tracking ignored: order already tracked", observability.F("client_order_id", id))
		return false
	}
	r.orders[id] = &entry{order: order}
	return true
}

// StopTracking removes the order if present and returns its last snapshot.
// Removing an absent id is not an error.
func (r *Registry) StopTracking(clientOrderID string) (schema.InFlightOrder, bool) {
	e := r.lookup(clientOrderID)
	if e == nil {
		return schema.InFlightOrder{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return schema.InFlightOrder{}, false
	}
	r.removeLocked(clientOrderID, e)
	return e.order, true
}

// Get returns a copy of the tracked order.
func (r *Registry) Get(clientOrderID string) (schema.InFlightOrder, bool) {
	e := r.lookup(clientOrderID)
	if e == nil {
		return schema.InFlightOrder{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return schema.InFlightOrder{}, false
	}
	return e.order, true
}

// Update runs fn against the tracked order while holding its lock. When fn
// returns true the order is removed before the lock is released, so exactly one
// caller observes the removal. Update reports false when the order is absent.
// fn must not call back into the registry for the same order.
func (r *Registry) Update(clientOrderID string, fn func(order *schema.InFlightOrder) (remove bool)) bool {
	e := r.lookup(clientOrderID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	if fn(&e.order) {
		r.removeLocked(clientOrderID, e)
	}
	return true
}

// ListOpen returns copies of all non-terminal orders ordered by creation time.
func (r *Registry) ListOpen() []schema.InFlightOrder {
	entries := r.entries()
	out := make([]schema.InFlightOrder, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed && e.order.IsOpen() {
			out = append(out, e.order)
		}
		e.mu.Unlock()
	}
	sortOrders(out)
	return out
}

// Len returns the number of tracked orders.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

// Pairs returns the distinct pairs of tracked orders, sorted.
func (r *Registry) Pairs() []string {
	seen := make(map[string]struct{})
	for _, order := range r.ListOpen() {
		seen[order.Pair] = struct{}{}
	}
	pairs := make([]string, 0, len(seen))
	for pair := range seen {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)
	return pairs
}

// Export returns a serialisable snapshot of every tracked order.
func (r *Registry) Export() trackingstore.Snapshot {
	entries := r.entries()
	snapshot := make(trackingstore.Snapshot, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			snapshot[e.order.ClientOrderID] = e.order
		}
		e.mu.Unlock()
	}
	return snapshot
}

// Import restores orders from snapshot. Already tracked ids and terminal
// orders are skipped. It returns the number of restored orders.
func (r *Registry) Import(snapshot trackingstore.Snapshot) int {
	restored := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, order := range snapshot {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, exists := r.orders[id]; exists {
			continue
		}
		if order.LastState == "" {
			order.LastState = schema.OrderStateNew
		}
		if order.LastState.IsTerminal() {
			r.logger.Debug("skip restoring terminal order", observability.F("client_order_id", id))
			continue
		}
		order.ClientOrderID = id
		r.orders[id] = &entry{order: order}
		restored++
	}
	return restored
}

func (r *Registry) lookup(clientOrderID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orders[strings.TrimSpace(clientOrderID)]
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.orders))
	for _, e := range r.orders {
		out = append(out, e)
	}
	return out
}

// removeLocked expects e.mu to be held.
func (r *Registry) removeLocked(clientOrderID string, e *entry) {
	e.removed = true
	id := strings.TrimSpace(clientOrderID)
	r.mu.Lock()
	if current, ok := r.orders[id]; ok && current == e {
		delete(r.orders, id)
	}
	r.mu.Unlock()
}

func sortOrders(orders []schema.InFlightOrder) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ClientOrderID < orders[j].ClientOrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
