// Package reconcile merges venue order updates into the in-flight registry and
// derives lifecycle events from them.
//
// Both update channels report cumulative executed quantities. The reconciler
// only ever emits the difference between the reported cumulative amount and
// the amount already recorded, so replays and cross-channel duplicates emit
// nothing. Every merge runs under the order's registry lock and events for an
// order are handed to the Emitter before that lock is released, which keeps
// per-order event order intact across channels.
package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderlink/errs"
	"github.com/coachpo/orderlink/internal/app/tracking"
	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/infra/telemetry"
	"github.com/coachpo/orderlink/internal/observability"
	"github.com/coachpo/orderlink/internal/support/clock"
)

// Normalizer maps a venue status string onto the lifecycle enumeration.
type Normalizer func(raw string) (schema.OrderState, bool)

// FeeCalculator computes the fee owed for an execution increment.
type FeeCalculator interface {
	Fee(pair string, kind schema.OrderType, side schema.TradeSide, price, amount decimal.Decimal) decimal.Decimal
}

// Emitter receives lifecycle events. Emit is called while the order lock is
// held and must not call back into the registry for the same order.
type Emitter interface {
	Emit(evt schema.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(evt schema.Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(evt schema.Event) { f(evt) }

// Reconciler applies normalised updates to tracked orders.
type Reconciler struct {
	registry  *tracking.Registry
	normalize Normalizer
	fees      FeeCalculator
	emitter   Emitter
	clock     clock.Clock
	logger    observability.Logger
	metrics   *telemetry.Metrics
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithEmitter routes emitted events to e.
func WithEmitter(e Emitter) Option {
	return func(r *Reconciler) { r.emitter = e }
}

// WithClock overrides the timestamp source.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = clock.OrReal(c) }
}

// WithLogger injects the logger.
func WithLogger(l observability.Logger) Option {
	return func(r *Reconciler) { r.logger = observability.OrNop(l) }
}

// WithMetrics injects connector metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New constructs a Reconciler bound to registry.
func New(registry *tracking.Registry, normalize Normalizer, fees FeeCalculator, opts ...Option) *Reconciler {
	r := &Reconciler{
		registry:  registry,
		normalize: normalize,
		fees:      fees,
		emitter:   EmitterFunc(func(schema.Event) {}),
		clock:     clock.Real{},
		logger:    observability.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ApplyUpdate merges update into the tracked order identified by
// clientOrderID and returns the emitted events. Updates for unknown or
// already removed orders are discarded silently.
func (r *Reconciler) ApplyUpdate(clientOrderID string, update schema.OrderUpdate) []schema.Event {
	if strings.TrimSpace(update.ClientOrderID) == "" {
		update.ClientOrderID = clientOrderID
	}
	if err := update.Validate(); err != nil {
		r.logger.Warn("discard invalid order update",
			observability.F("client_order_id", clientOrderID),
			observability.F("source", string(update.Source)),
			observability.Err(err))
		return nil
	}

	var events []schema.Event
	r.registry.Update(clientOrderID, func(order *schema.InFlightOrder) bool {
		var remove bool
		events, remove = r.merge(order, update)
		for _, evt := range events {
			r.emit(evt)
		}
		return remove
	})
	return events
}

func (r *Reconciler) merge(order *schema.InFlightOrder, update schema.OrderUpdate) ([]schema.Event, bool) {
	now := r.clock.Now()
	if order.ExchangeOrderID == "" && update.ExchangeOrderID != "" {
		order.ExchangeOrderID = update.ExchangeOrderID
	}

	state := order.LastState
	if raw := strings.TrimSpace(update.RawState); raw != "" {
		normalized, ok := r.normalize(raw)
		if ok {
			state = normalized
		} else {
			r.logger.Warn("unrecognised order state",
				observability.F("client_order_id", order.ClientOrderID),
				observability.F("state", raw),
				observability.F("source", string(update.Source)))
			r.metrics.UnknownState(context.Background(), string(update.Source))
		}
	}

	var events []schema.Event

	cumulative, known := r.reportedCumulative(order, update, state)
	if known {
		diff := cumulative.Sub(order.ExecutedBase)
		if diff.Sign() > 0 {
			events = append(events, r.applyFill(order, update, cumulative, diff, now))
		}
	}

	order.LastState = state
	if !state.IsTerminal() {
		return events, false
	}

	if state.IsCancellation() {
		events = append(events, schema.NewOrderEvent(schema.EventTypeOrderCancelled, *order, now, nil))
		return events, true
	}

	events = append(events, schema.NewOrderEvent(schema.EventTypeOrderCompleted, *order, now, schema.CompletedPayload{
		BaseAsset:   order.BaseAsset(),
		QuoteAsset:  order.QuoteAsset(),
		BaseAmount:  order.ExecutedBase,
		QuoteAmount: order.ExecutedQuote,
		Fee:         order.FeePaid,
		FeeAsset:    order.FeeAsset,
	}))
	return events, true
}

// reportedCumulative returns the cumulative executed amount carried by the
// update, clamped to the requested amount. A filled report without an amount
// implies full execution.
func (r *Reconciler) reportedCumulative(order *schema.InFlightOrder, update schema.OrderUpdate, state schema.OrderState) (decimal.Decimal, bool) {
	var cumulative decimal.Decimal
	switch {
	case update.CumulativeBase.Valid:
		cumulative = update.CumulativeBase.Decimal
	case state == schema.OrderStateFilled:
		cumulative = order.Amount
	default:
		return decimal.Zero, false
	}
	if order.Amount.Sign() > 0 && cumulative.GreaterThan(order.Amount) {
		r.logger.Warn("cumulative executed amount exceeds order amount",
			observability.F("client_order_id", order.ClientOrderID),
			observability.F("reported", cumulative.String()),
			observability.F("amount", order.Amount.String()))
		cumulative = order.Amount
	}
	return cumulative, true
}

func (r *Reconciler) applyFill(order *schema.InFlightOrder, update schema.OrderUpdate, cumulative, diff decimal.Decimal, now time.Time) schema.Event {
	price := fillPrice(order, update, cumulative, diff)
	quote := diff.Mul(price)

	var fee decimal.Decimal
	if update.TradeFee.Valid {
		fee = update.TradeFee.Decimal
	} else {
		fee = r.fees.Fee(order.Pair, order.Type, order.Side, price, diff)
	}
	feeAsset := strings.TrimSpace(update.FeeAsset)
	if feeAsset == "" {
		feeAsset = order.FeeAsset
	}
	if feeAsset == "" {
		feeAsset = order.QuoteAsset()
	}

	order.ExecutedBase = cumulative
	order.ExecutedQuote = order.ExecutedQuote.Add(quote)
	order.FeePaid = order.FeePaid.Add(fee)
	order.FeeAsset = feeAsset

	r.metrics.FillApplied(context.Background(), string(update.Source), order.Pair)
	return schema.NewOrderEvent(schema.EventTypeOrderFilled, *order, now, schema.FillPayload{
		Amount:   diff,
		Price:    price,
		Fee:      fee,
		FeeAsset: feeAsset,
	})
}

// fillPrice picks the increment price: the reported fill price, then the price
// implied by the average execution price, then the order price.
func fillPrice(order *schema.InFlightOrder, update schema.OrderUpdate, cumulative, diff decimal.Decimal) decimal.Decimal {
	if update.FillPrice.Valid && update.FillPrice.Decimal.Sign() > 0 {
		return update.FillPrice.Decimal
	}
	if update.AveragePrice.Valid && update.AveragePrice.Decimal.Sign() > 0 {
		implied := update.AveragePrice.Decimal.Mul(cumulative).Sub(order.ExecutedQuote).Div(diff)
		if implied.Sign() > 0 {
			return implied
		}
		return update.AveragePrice.Decimal
	}
	return order.Price
}

// ApplyStatusError resolves a failed status query for clientOrderID. A venue
// "order not found" answer ends the order as cancelled; other venue errors
// end it as failed. Transport failures, throttling, credential rejections and
// shutdown say nothing about the order and leave it tracked for the next poll.
func (r *Reconciler) ApplyStatusError(clientOrderID string, err error) []schema.Event {
	switch {
	case err == nil:
		return nil
	case errs.IsShutdown(err):
		return nil
	case errs.IsOrderNotFound(err):
		r.metrics.StatusFetchFailed(context.Background(), "not_found")
		return r.Cancelled(clientOrderID)
	case errs.IsTransport(err):
		r.metrics.StatusFetchFailed(context.Background(), "transport")
		r.logger.Warn("order status fetch failed; will retry",
			observability.F("client_order_id", clientOrderID),
			observability.Err(err))
		return nil
	case errs.HasCode(err, errs.CodeRateLimited), errs.HasCode(err, errs.CodeAuth):
		r.metrics.StatusFetchFailed(context.Background(), string(errs.CodeOf(err)))
		r.logger.Warn("order status fetch refused by venue; will retry",
			observability.F("client_order_id", clientOrderID),
			observability.Err(err))
		return nil
	default:
		r.metrics.StatusFetchFailed(context.Background(), "venue")
		r.logger.Error("order status fetch rejected; dropping order",
			observability.F("client_order_id", clientOrderID),
			observability.Err(err))
		return r.Failed(clientOrderID, err.Error())
	}
}

// Cancelled removes the order and emits OrderCancelled. Only the caller that
// performs the removal emits the event.
func (r *Reconciler) Cancelled(clientOrderID string) []schema.Event {
	return r.terminate(clientOrderID, func(order schema.InFlightOrder, now time.Time) schema.Event {
		order.LastState = schema.OrderStateCancelled
		return schema.NewOrderEvent(schema.EventTypeOrderCancelled, order, now, nil)
	})
}

// Failed removes the order and emits OrderFailure with reason.
func (r *Reconciler) Failed(clientOrderID, reason string) []schema.Event {
	return r.terminate(clientOrderID, func(order schema.InFlightOrder, now time.Time) schema.Event {
		return schema.NewOrderEvent(schema.EventTypeOrderFailure, order, now, schema.FailurePayload{Reason: reason})
	})
}

// Created records the venue order id of an acknowledged placement and emits
// OrderCreated.
func (r *Reconciler) Created(clientOrderID, exchangeOrderID string) []schema.Event {
	var events []schema.Event
	r.registry.Update(clientOrderID, func(order *schema.InFlightOrder) bool {
		if exchangeOrderID != "" {
			order.ExchangeOrderID = exchangeOrderID
		}
		evt := schema.NewOrderEvent(schema.EventTypeOrderCreated, *order, r.clock.Now(), schema.CreatedPayload{
			Amount: order.Amount,
			Price:  order.Price,
		})
		events = append(events, evt)
		r.emit(evt)
		return false
	})
	return events
}

// TransactionFailure emits TransactionFailure for a venue call that missed its
// deadline. The order stays tracked.
func (r *Reconciler) TransactionFailure(clientOrderID, reason string) []schema.Event {
	var events []schema.Event
	r.registry.Update(clientOrderID, func(order *schema.InFlightOrder) bool {
		evt := schema.NewOrderEvent(schema.EventTypeTransactionFailure, *order, r.clock.Now(), schema.FailurePayload{Reason: reason})
		events = append(events, evt)
		r.emit(evt)
		return false
	})
	return events
}

func (r *Reconciler) terminate(clientOrderID string, build func(schema.InFlightOrder, time.Time) schema.Event) []schema.Event {
	var events []schema.Event
	r.registry.Update(clientOrderID, func(order *schema.InFlightOrder) bool {
		evt := build(*order, r.clock.Now())
		events = append(events, evt)
		r.emit(evt)
		return true
	})
	return events
}

func (r *Reconciler) emit(evt schema.Event) {
	r.metrics.EventEmitted(context.Background(), string(evt.Type), evt.Pair)
	r.emitter.Emit(evt)
}
