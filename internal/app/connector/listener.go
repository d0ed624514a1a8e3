package connector

import (
	"context"
	"sync/atomic"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/orderlink/errs"
	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/observability"
)

// runListener keeps a stream session open, reconnecting with exponential
// backoff. Session errors never end the loop; only ctx does.
func (c *Connector) runListener(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffInitial
	bo.MaxInterval = c.cfg.BackoffMax

	for {
		var received atomic.Bool
		err := c.sessionContained(ctx, &received)
		if ctx.Err() != nil || errs.IsShutdown(err) {
			return
		}
		if received.Load() {
			bo.Reset()
		}
		c.metrics.StreamReconnect(ctx)
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.cfg.BackoffMax
		}
		c.logger.Warn("order stream session ended; reconnecting",
			observability.F("retry_in", sleep.String()),
			observability.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(sleep):
		}
	}
}

// sessionContained runs one stream session and turns a panic raised by the
// stream or by update handling into a session error.
func (c *Connector) sessionContained(ctx context.Context, received *atomic.Bool) error {
	var err error
	var pc panics.Catcher
	pc.Try(func() {
		err = c.stream.Session(ctx,
			func() {
				received.Store(true)
				c.markStreamMessage()
			},
			c.onStreamUpdate)
	})
	if r := pc.Recovered(); r != nil {
		c.logger.Error("order stream session panicked", observability.F("panic", r.String()))
		return r.AsError()
	}
	return err
}

func (c *Connector) markStreamMessage() {
	ns := c.clock.Now().UnixNano()
	if ns <= 0 {
		ns = 1
	}
	c.lastRecv.Store(ns)
}

func (c *Connector) onStreamUpdate(update schema.OrderUpdate) {
	update.Source = schema.UpdateSourceStream
	c.reconciler.ApplyUpdate(update.ClientOrderID, update)
}
