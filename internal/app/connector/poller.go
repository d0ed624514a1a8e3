package connector

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/observability"
)

// Tick is the host scheduler hook. It wakes the polling loop whenever now
// crosses a poll interval boundary: the short interval while the stream is
// silent, the long one while it is live.
func (c *Connector) Tick(now time.Time) {
	interval := c.pollInterval(now)
	c.tickMu.Lock()
	last := c.lastTick
	c.lastTick = now
	c.tickMu.Unlock()
	if last.IsZero() || now.UnixNano()/int64(interval) > last.UnixNano()/int64(interval) {
		c.NotifyPoll()
	}
}

// NotifyPoll wakes the polling loop without waiting for its interval.
func (c *Connector) NotifyPoll() {
	select {
	case c.pollWake <- struct{}{}:
	default:
	}
}

func (c *Connector) pollInterval(now time.Time) time.Duration {
	last := c.LastStreamMessage()
	if last.IsZero() || now.Sub(last) > c.cfg.StreamSilence {
		return c.cfg.ShortPollInterval
	}
	return c.cfg.LongPollInterval
}

func (c *Connector) runPoller(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffInitial
	bo.MaxInterval = c.cfg.BackoffMax

	for {
		err := c.pollContained(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := c.pollInterval(c.clock.Now())
		if err != nil {
			c.logger.Warn("polling cycle failed", observability.Err(err))
			if sleep := bo.NextBackOff(); sleep != backoff.Stop {
				wait = sleep
			}
		} else {
			bo.Reset()
		}
		select {
		case <-ctx.Done():
			return
		case <-c.pollWake:
		case <-c.clock.After(wait):
		}
	}
}

// pollContained runs one cycle and turns a panic into an error so the loop
// backs off instead of ending.
func (c *Connector) pollContained(ctx context.Context) error {
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = c.PollOnce(ctx) })
	if r := pc.Recovered(); r != nil {
		c.logger.Error("polling cycle panicked", observability.F("panic", r.String()))
		return r.AsError()
	}
	return err
}

// PollOnce runs one polling cycle: trading rules and fees when their refresh
// interval elapsed, balances, and order status when the status interval
// elapsed. Per-order status failures are resolved by the reconciler and do
// not fail the cycle.
func (c *Connector) PollOnce(ctx context.Context) error {
	now := c.clock.Now()
	var failures []error

	if !c.rules.Initialized() || now.Sub(c.rules.RefreshedAt()) >= c.cfg.RuleRefreshInterval {
		if err := c.rules.Refresh(ctx, c.venue, now); err != nil {
			failures = append(failures, err)
		} else if pairs := c.registry.Pairs(); len(pairs) > 0 {
			if err := c.fees.Refresh(ctx, c.venue, pairs); err != nil {
				c.logger.Warn("fee refresh failed; keeping previous rates", observability.Err(err))
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := c.ledger.Refresh(ctx, c.venue, now); err != nil {
		failures = append(failures, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.pollMu.Lock()
	due := now.Sub(c.lastStatusPoll) >= c.cfg.StatusPollInterval
	if due {
		c.lastStatusPoll = now
	}
	c.pollMu.Unlock()
	if due {
		c.pollStatuses(ctx)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(failures) == 0 {
		return nil
	}
	return errors.Join(failures...)
}

func (c *Connector) pollStatuses(ctx context.Context) {
	open := c.registry.ListOpen()
	if len(open) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(c.cfg.StatusConcurrency)
	for _, order := range open {
		id := order.ClientOrderID
		if _, busy := c.placing.Load(id); busy {
			continue
		}
		p.Go(func() {
			reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
			defer cancel()
			update, err := c.venue.OrderStatus(reqCtx, id)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.reconciler.ApplyStatusError(id, err)
				return
			}
			update.Source = schema.UpdateSourcePoll
			c.reconciler.ApplyUpdate(id, update)
		})
	}
	p.Wait()
}
