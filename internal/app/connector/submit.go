package connector

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/orderlink/errs"
	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/observability"
)

// CancellationResult reports the outcome of one cancel issued by CancelAll.
type CancellationResult struct {
	ClientOrderID string `json:"clientOrderId"`
	Success       bool   `json:"success"`
}

// Submit quantizes and places an order and returns its client order id. The
// order is tracked before the venue call so that updates racing the
// acknowledgement are not lost. Validation failures return an error without
// touching the venue or emitting events.
func (c *Connector) Submit(ctx context.Context, pair string, side schema.TradeSide, kind schema.OrderType, amount, price decimal.Decimal) (string, error) {
	base, quote := schema.SplitPair(pair)
	pair = schema.NormalizePair(base, quote)
	if pair == "" {
		return "", errs.Invalid("pair must be BASE-QUOTE", errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	if !side.Valid() {
		return "", errs.Invalid("unsupported side " + string(side))
	}
	if !kind.Valid() {
		return "", errs.Invalid("unsupported order type " + string(kind))
	}

	qty, err := c.rules.QuantizeAmount(pair, amount)
	if err != nil {
		return "", err
	}
	if qty.Sign() <= 0 {
		return "", errs.Invalid("order amount "+amount.String()+" is below the minimum order size for "+pair,
			errs.WithCanonicalCode(errs.CanonicalBelowMinimum))
	}
	if kind == schema.OrderTypeLimit {
		if price.Sign() <= 0 {
			return "", errs.Invalid("limit orders require a positive price")
		}
		if price, err = c.rules.QuantizePrice(pair, price); err != nil {
			return "", err
		}
		if price.Sign() <= 0 {
			return "", errs.Invalid("limit price is below the price increment for " + pair)
		}
	}

	id := c.newClientOrderID(side, pair)
	// The venue does not know the order until PlaceOrder returns, so status
	// polling must not read its "not found" answer as a cancellation.
	c.placing.Store(id, struct{}{})
	defer c.placing.Delete(id)
	c.registry.StartTracking(schema.InFlightOrder{
		ClientOrderID: id,
		Pair:          pair,
		Side:          side,
		Type:          kind,
		Price:         price,
		Amount:        qty,
		FeeAsset:      quote,
		CreatedAt:     c.clock.Now(),
	})

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	ack, err := c.venue.PlaceOrder(reqCtx, schema.OrderRequest{
		ClientOrderID: id,
		Pair:          pair,
		Side:          side,
		Type:          kind,
		Price:         price,
		Amount:        qty,
	})
	if err != nil {
		return id, c.placementFailed(ctx, id, err)
	}

	c.reconciler.Created(id, ack.ExchangeOrderID)
	// The acknowledgement may already carry executions.
	c.reconciler.ApplyUpdate(id, ack)
	return id, nil
}

func (c *Connector) placementFailed(ctx context.Context, id string, err error) error {
	switch {
	case errs.IsShutdown(err) || errors.Is(ctx.Err(), context.Canceled):
		// The venue may have accepted the order; it stays tracked and is
		// resolved by status polling after restart.
		return err
	case errs.HasCode(err, errs.CodeTimeout) || errors.Is(err, context.DeadlineExceeded):
		c.logger.Error("order placement timed out",
			observability.F("client_order_id", id),
			observability.Err(err))
		c.reconciler.TransactionFailure(id, err.Error())
		c.reconciler.Failed(id, err.Error())
		return err
	default:
		c.logger.Error("order placement rejected",
			observability.F("client_order_id", id),
			observability.Err(err))
		c.reconciler.Failed(id, err.Error())
		return err
	}
}

// Cancel requests cancellation of a tracked order. A venue "order not found"
// answer counts as a confirmed cancellation.
func (c *Connector) Cancel(ctx context.Context, clientOrderID string) error {
	if _, ok := c.registry.Get(clientOrderID); !ok {
		return errs.Invalid("order " + clientOrderID + " is not tracked")
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return c.cancel(reqCtx, clientOrderID)
}

func (c *Connector) cancel(ctx context.Context, clientOrderID string) error {
	update, err := c.venue.CancelOrder(ctx, clientOrderID)
	switch {
	case err == nil:
		c.reconciler.ApplyUpdate(clientOrderID, update)
		c.reconciler.Cancelled(clientOrderID)
		return nil
	case errs.IsOrderNotFound(err):
		c.reconciler.Cancelled(clientOrderID)
		return nil
	case errs.IsShutdown(err):
		return err
	case errs.HasCode(err, errs.CodeTimeout) || errors.Is(err, context.DeadlineExceeded):
		c.logger.Warn("order cancellation timed out",
			observability.F("client_order_id", clientOrderID),
			observability.Err(err))
		c.reconciler.TransactionFailure(clientOrderID, err.Error())
		return err
	default:
		c.logger.Warn("order cancellation failed",
			observability.F("client_order_id", clientOrderID),
			observability.Err(err))
		return err
	}
}

// CancelAll issues a cancel for every open order and waits at most timeout
// for the answers. Orders without a confirmed cancellation by then are
// reported as failures; partial completion is normal.
func (c *Connector) CancelAll(ctx context.Context, timeout time.Duration) ([]CancellationResult, error) {
	if timeout <= 0 {
		timeout = c.cfg.CancelAllTimeout
	}
	open := c.registry.ListOpen()
	if len(open) == 0 {
		return nil, nil
	}

	cancelCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan CancellationResult, len(open))
	c.background.Go(func() {
		p := pool.New().WithMaxGoroutines(len(open))
		for _, order := range open {
			id := order.ClientOrderID
			p.Go(func() {
				err := c.cancel(cancelCtx, id)
				done <- CancellationResult{ClientOrderID: id, Success: err == nil}
			})
		}
		p.Wait()
	})

	confirmed := make(map[string]bool, len(open))
collect:
	for len(confirmed) < len(open) {
		select {
		case res := <-done:
			confirmed[res.ClientOrderID] = res.Success
		case <-cancelCtx.Done():
			break collect
		}
	}

	results := make([]CancellationResult, 0, len(open))
	var failures []error
	for _, order := range open {
		ok := confirmed[order.ClientOrderID]
		results = append(results, CancellationResult{ClientOrderID: order.ClientOrderID, Success: ok})
		if !ok {
			failures = append(failures, errors.New("cancel "+order.ClientOrderID+" not confirmed"))
		}
	}
	c.metrics.CancelAllFailures(ctx, len(failures))
	if errors.Is(ctx.Err(), context.Canceled) {
		return results, ctx.Err()
	}
	return results, observability.AggregateErrors(c.logger, "cancel_all", failures)
}
