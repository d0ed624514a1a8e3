// Package connector runs the order lifecycle against a trading venue: it
// submits and cancels orders, polls order status, consumes the venue report
// stream and publishes the reconciled lifecycle events.
package connector

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/orderlink/internal/app/balance"
	"github.com/coachpo/orderlink/internal/app/fees"
	"github.com/coachpo/orderlink/internal/app/reconcile"
	"github.com/coachpo/orderlink/internal/app/rules"
	"github.com/coachpo/orderlink/internal/app/tracking"
	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/domain/trackingstore"
	"github.com/coachpo/orderlink/internal/infra/telemetry"
	"github.com/coachpo/orderlink/internal/observability"
	"github.com/coachpo/orderlink/internal/support/clock"
)

// Venue is the request-level surface the connector drives.
type Venue interface {
	rules.Source
	balance.Source
	fees.Source
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderUpdate, error)
	CancelOrder(ctx context.Context, clientOrderID string) (schema.OrderUpdate, error)
	OrderStatus(ctx context.Context, clientOrderID string) (schema.OrderUpdate, error)
}

// UpdateStream is the venue push channel. Session runs one connection until it
// fails or ctx ends; onMessage is invoked for every inbound message.
type UpdateStream interface {
	Session(ctx context.Context, onMessage func(), deliver func(schema.OrderUpdate)) error
}

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(ctx context.Context, evt schema.Event) error
}

// Readiness keys reported by Status.
const (
	ReadyOrderBooks   = "order_books_initialized"
	ReadyTradingRules = "trading_rule_initialized"
	ReadyBalances     = "account_balance"
	ReadyUserStream   = "user_stream_initialized"
)

// Config tunes loop cadences and deadlines.
type Config struct {
	// StatusPollInterval gates per-order status requests.
	StatusPollInterval time.Duration
	// RuleRefreshInterval gates trading rule and fee refreshes.
	RuleRefreshInterval time.Duration
	// ShortPollInterval wakes the polling loop while the stream is silent.
	ShortPollInterval time.Duration
	// LongPollInterval wakes the polling loop while the stream is live.
	LongPollInterval time.Duration
	// StreamSilence is how long the stream may stay quiet and still count as live.
	StreamSilence      time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	RequestTimeout     time.Duration
	CancelAllTimeout   time.Duration
	CheckpointInterval time.Duration
	// StatusConcurrency bounds parallel status requests per poll.
	StatusConcurrency int
}

func (c Config) withDefaults() Config {
	if c.StatusPollInterval <= 0 {
		c.StatusPollInterval = 10 * time.Second
	}
	if c.RuleRefreshInterval <= 0 {
		c.RuleRefreshInterval = 60 * time.Second
	}
	if c.ShortPollInterval <= 0 {
		c.ShortPollInterval = 5 * time.Second
	}
	if c.LongPollInterval <= 0 {
		c.LongPollInterval = 120 * time.Second
	}
	if c.StreamSilence <= 0 {
		c.StreamSilence = 60 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.CancelAllTimeout <= 0 {
		c.CancelAllTimeout = 10 * time.Second
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 30 * time.Second
	}
	if c.StatusConcurrency <= 0 {
		c.StatusConcurrency = 8
	}
	return c
}

// Deps are the collaborators a Connector is built from. Venue is required.
type Deps struct {
	Venue     Venue
	Stream    UpdateStream
	Normalize reconcile.Normalizer
	Fees      *fees.Policy
	Publisher Publisher
	Store     trackingstore.Store
	// MarketDataReady reports order book readiness; nil counts as ready.
	MarketDataReady func() bool
	Clock           clock.Clock
	Logger          observability.Logger
	Metrics         *telemetry.Metrics
}

// Connector owns the in-flight registry and every loop feeding it.
type Connector struct {
	cfg       Config
	venue     Venue
	stream    UpdateStream
	publisher Publisher
	store     trackingstore.Store
	mdReady   func() bool
	clock     clock.Clock
	logger    observability.Logger
	metrics   *telemetry.Metrics

	registry   *tracking.Registry
	rules      *rules.Table
	ledger     *balance.Ledger
	fees       *fees.Policy
	reconciler *reconcile.Reconciler

	nonce    atomic.Int64
	lastRecv atomic.Int64 // unix nanos of the last stream message
	// placing holds client order ids whose placement call has not returned.
	placing  sync.Map
	pollWake chan struct{}

	tickMu   sync.Mutex
	lastTick time.Time

	pollMu         sync.Mutex
	lastStatusPoll time.Time

	background conc.WaitGroup
}

// New constructs a Connector.
func New(cfg Config, deps Deps) *Connector {
	logger := observability.OrNop(deps.Logger)
	c := &Connector{
		cfg:       cfg.withDefaults(),
		venue:     deps.Venue,
		stream:    deps.Stream,
		publisher: deps.Publisher,
		store:     deps.Store,
		mdReady:   deps.MarketDataReady,
		clock:     clock.OrReal(deps.Clock),
		logger:    logger,
		metrics:   deps.Metrics,
		registry:  tracking.NewRegistry(logger),
		rules:     rules.NewTable(logger),
		ledger:    balance.NewLedger(),
		fees:      deps.Fees,
		pollWake:  make(chan struct{}, 1),
	}
	if c.fees == nil {
		c.fees = fees.NewPolicy(fees.DefaultRate, fees.DefaultRate)
	}
	normalize := deps.Normalize
	if normalize == nil {
		normalize = func(raw string) (schema.OrderState, bool) {
			state := schema.OrderState(raw)
			return state, state.Valid()
		}
	}
	c.reconciler = reconcile.New(c.registry, normalize, c.fees,
		reconcile.WithEmitter(reconcile.EmitterFunc(c.publish)),
		reconcile.WithClock(c.clock),
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(deps.Metrics))
	return c
}

// Registry exposes the in-flight registry.
func (c *Connector) Registry() *tracking.Registry { return c.registry }

// Rules exposes the trading rule table.
func (c *Connector) Rules() *rules.Table { return c.rules }

// Balances exposes the balance ledger.
func (c *Connector) Balances() *balance.Ledger { return c.ledger }

// Reconciler exposes the reconciler so hosts can feed updates from other channels.
func (c *Connector) Reconciler() *reconcile.Reconciler { return c.reconciler }

// OpenOrders lists the tracked orders.
func (c *Connector) OpenOrders() []schema.InFlightOrder { return c.registry.ListOpen() }

// Order returns the tracked order with clientOrderID.
func (c *Connector) Order(clientOrderID string) (schema.InFlightOrder, bool) {
	return c.registry.Get(clientOrderID)
}

// BalanceSnapshot lists the last polled balances.
func (c *Connector) BalanceSnapshot() []schema.Balance { return c.ledger.Snapshot() }

// TradingRules lists the current trading rules.
func (c *Connector) TradingRules() []schema.TradingRule { return c.rules.All() }

// Status reports the readiness of each connector prerequisite.
func (c *Connector) Status() map[string]bool {
	books := true
	if c.mdReady != nil {
		books = c.mdReady()
	}
	return map[string]bool{
		ReadyOrderBooks:   books,
		ReadyTradingRules: c.rules.Initialized(),
		ReadyBalances:     c.ledger.Initialized(),
		ReadyUserStream:   c.lastRecv.Load() > 0,
	}
}

// Ready reports whether every prerequisite is satisfied.
func (c *Connector) Ready() bool {
	for _, ok := range c.Status() {
		if !ok {
			return false
		}
	}
	return true
}

// LastStreamMessage returns when the stream last delivered a message.
func (c *Connector) LastStreamMessage() time.Time {
	ns := c.lastRecv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run restores the tracked orders, then runs the polling loop, the stream
// listener and the checkpoint loop until ctx is cancelled. The registry is
// saved once more on the way out.
func (c *Connector) Run(ctx context.Context) error {
	if err := c.Restore(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("restore tracked orders failed", observability.Err(err))
	}

	var loops conc.WaitGroup
	loops.Go(func() { c.runPoller(ctx) })
	if c.stream != nil {
		loops.Go(func() { c.runListener(ctx) })
	}
	if c.store != nil {
		loops.Go(func() { c.runCheckpoints(ctx) })
	}
	loops.Wait()
	c.background.Wait()

	if c.store != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if err := c.Checkpoint(saveCtx); err != nil {
			c.logger.Error("final checkpoint failed", observability.Err(err))
		}
	}
	return ctx.Err()
}

// Restore imports the stored snapshot into the registry.
func (c *Connector) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	snapshot, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	if n := c.registry.Import(snapshot); n > 0 {
		c.logger.Info("restored tracked orders", observability.F("count", n))
	}
	return nil
}

// Checkpoint saves the registry snapshot.
func (c *Connector) Checkpoint(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.store.Save(ctx, c.registry.Export())
}

func (c *Connector) runCheckpoints(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.CheckpointInterval):
		}
		if err := c.Checkpoint(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("checkpoint failed", observability.Err(err))
		}
	}
}

// publish stamps the event id and hands the event to the publisher. It runs
// under the order lock.
func (c *Connector) publish(evt schema.Event) {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(context.Background(), evt); err != nil {
		c.logger.Warn("publish lifecycle event failed",
			observability.F("event_type", string(evt.Type)),
			observability.F("client_order_id", evt.ClientOrderID),
			observability.Err(err))
	}
}

// newClientOrderID returns "<side>-<BASEQUOTE>-<nonce>" with a strictly
// increasing microsecond nonce.
func (c *Connector) newClientOrderID(side schema.TradeSide, pair string) string {
	now := c.clock.Now().UnixMicro()
	for {
		last := c.nonce.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if c.nonce.CompareAndSwap(last, next) {
			base, quote := schema.SplitPair(pair)
			return strings.ToLower(string(side)) + "-" + base + quote + "-" + strconv.FormatInt(next, 10)
		}
	}
}
