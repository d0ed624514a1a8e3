package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/orderlink/errs"
	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/domain/trackingstore"
	"github.com/coachpo/orderlink/internal/observability"
	"github.com/coachpo/orderlink/internal/support/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func normalize(raw string) (schema.OrderState, bool) {
	switch raw {
	case "new":
		return schema.OrderStateNew, true
	case "partiallyFilled":
		return schema.OrderStatePartiallyFilled, true
	case "filled":
		return schema.OrderStateFilled, true
	case "canceled":
		return schema.OrderStateCancelled, true
	default:
		return "", false
	}
}

var ethBTC = schema.TradingRule{
	Pair:                    "ETH-BTC",
	MinOrderSize:            d("0.01"),
	MaxOrderSize:            d("1000"),
	MinPriceIncrement:       d("0.000001"),
	MinBaseAmountIncrement:  d("0.001"),
	MinQuoteAmountIncrement: d("0.000001"),
}

type fakeVenue struct {
	mu      sync.Mutex
	placed  []schema.OrderRequest
	cancels []string
	calls   atomic.Int32

	rulesErr error
	place    func(ctx context.Context, req schema.OrderRequest) (schema.OrderUpdate, error)
	cancel   func(ctx context.Context, id string) (schema.OrderUpdate, error)
	status   func(ctx context.Context, id string) (schema.OrderUpdate, error)
}

func (v *fakeVenue) TradingRules(context.Context) ([]schema.TradingRule, error) {
	if v.rulesErr != nil {
		return nil, v.rulesErr
	}
	return []schema.TradingRule{ethBTC}, nil
}

func (v *fakeVenue) Balances(context.Context) ([]schema.Balance, error) {
	return []schema.Balance{{Asset: "BTC", Available: d("1"), Total: d("1.5")}}, nil
}

func (v *fakeVenue) TradingFees(_ context.Context, pair string) (schema.FeeSchedule, error) {
	return schema.FeeSchedule{Pair: pair, Maker: d("0.001"), Taker: d("0.002")}, nil
}

func (v *fakeVenue) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderUpdate, error) {
	v.calls.Add(1)
	v.mu.Lock()
	v.placed = append(v.placed, req)
	v.mu.Unlock()
	if v.place != nil {
		return v.place(ctx, req)
	}
	return schema.OrderUpdate{ClientOrderID: req.ClientOrderID, ExchangeOrderID: "42", RawState: "new", CumulativeBase: schema.Decimal(decimal.Zero)}, nil
}

func (v *fakeVenue) CancelOrder(ctx context.Context, id string) (schema.OrderUpdate, error) {
	v.calls.Add(1)
	v.mu.Lock()
	v.cancels = append(v.cancels, id)
	v.mu.Unlock()
	if v.cancel != nil {
		return v.cancel(ctx, id)
	}
	return schema.OrderUpdate{ClientOrderID: id, RawState: "canceled"}, nil
}

func (v *fakeVenue) OrderStatus(ctx context.Context, id string) (schema.OrderUpdate, error) {
	v.calls.Add(1)
	if v.status != nil {
		return v.status(ctx, id)
	}
	return schema.OrderUpdate{ClientOrderID: id, RawState: "new"}, nil
}

func (v *fakeVenue) cancelCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cancels)
}

type eventLog struct {
	mu     sync.Mutex
	events []schema.Event
}

func (l *eventLog) Publish(_ context.Context, evt schema.Event) error {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) types(id string) []schema.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []schema.EventType
	for _, evt := range l.events {
		if id == "" || evt.ClientOrderID == id {
			out = append(out, evt.Type)
		}
	}
	return out
}

func (l *eventLog) count(typ schema.EventType) int {
	n := 0
	for _, got := range l.types("") {
		if got == typ {
			n++
		}
	}
	return n
}

type harness struct {
	c     *Connector
	venue *fakeVenue
	log   *eventLog
	clock *clock.Fake
	logs  *observability.Recorder
}

func newHarness(t *testing.T, cfg Config, venue *fakeVenue) *harness {
	t.Helper()
	if venue == nil {
		venue = &fakeVenue{}
	}
	h := &harness{venue: venue, log: &eventLog{}, clock: clock.NewFake(time.Unix(1_700_000_000, 0)), logs: observability.NewRecorder()}
	h.c = New(cfg, Deps{
		Venue:     venue,
		Normalize: normalize,
		Publisher: h.log,
		Clock:     h.clock,
		Logger:    h.logs,
	})
	require.NoError(t, h.c.Rules().Replace([]schema.TradingRule{ethBTC}, h.clock.Now()))
	return h
}

func (h *harness) track(id string) {
	h.c.Registry().StartTracking(schema.InFlightOrder{
		ClientOrderID: id,
		Pair:          "ETH-BTC",
		Side:          schema.TradeSideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         d("0.05"),
		Amount:        d("1"),
		CreatedAt:     h.clock.Now(),
	})
}

func TestSubmitBelowMinimumNeverReachesVenue(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	_, err := h.c.Submit(context.Background(), "ETH-BTC", schema.TradeSideBuy, schema.OrderTypeLimit, d("0.0055"), d("0.05"))
	require.Error(t, err)
	require.True(t, errs.IsValidation(err))
	e, _ := errs.As(err)
	require.Equal(t, errs.CanonicalBelowMinimum, e.Canonical)
	require.Zero(t, h.venue.calls.Load())
	require.Empty(t, h.log.types(""))
	require.Zero(t, h.c.Registry().Len())
}

func TestSubmitUnknownPairIsValidationError(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, err := h.c.Submit(context.Background(), "XRP-USDT", schema.TradeSideSell, schema.OrderTypeMarket, d("10"), decimal.Zero)
	require.True(t, errs.IsValidation(err))
	require.Zero(t, h.venue.calls.Load())
}

func TestSubmitTracksAndEmitsCreated(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	id, err := h.c.Submit(context.Background(), "eth-btc", schema.TradeSideBuy, schema.OrderTypeLimit, d("1.23456"), d("0.0512345"))
	require.NoError(t, err)
	require.Equal(t, "buy-ETHBTC-1700000000000000", id)
	require.Equal(t, []schema.EventType{schema.EventTypeOrderCreated}, h.log.types(id))

	order, ok := h.c.Registry().Get(id)
	require.True(t, ok)
	require.Equal(t, "42", order.ExchangeOrderID)
	require.True(t, order.Amount.Equal(d("1.234")))
	require.True(t, order.Price.Equal(d("0.051234")))
	require.Equal(t, "BTC", order.FeeAsset)

	h.venue.mu.Lock()
	req := h.venue.placed[0]
	h.venue.mu.Unlock()
	require.True(t, req.Amount.Equal(d("1.234")))

	next, err := h.c.Submit(context.Background(), "ETH-BTC", schema.TradeSideSell, schema.OrderTypeLimit, d("1"), d("0.05"))
	require.NoError(t, err)
	require.Equal(t, "sell-ETHBTC-1700000000000001", next)
}

func TestSubmitAckWithFillsEmitsFillAfterCreated(t *testing.T) {
	venue := &fakeVenue{place: func(_ context.Context, req schema.OrderRequest) (schema.OrderUpdate, error) {
		return schema.OrderUpdate{ClientOrderID: req.ClientOrderID, ExchangeOrderID: "7", RawState: "filled", CumulativeBase: schema.Decimal(req.Amount)}, nil
	}}
	h := newHarness(t, Config{}, venue)

	id, err := h.c.Submit(context.Background(), "ETH-BTC", schema.TradeSideBuy, schema.OrderTypeMarket, d("2"), d("0.05"))
	require.NoError(t, err)
	require.Equal(t, []schema.EventType{
		schema.EventTypeOrderCreated,
		schema.EventTypeOrderFilled,
		schema.EventTypeOrderCompleted,
	}, h.log.types(id))
	require.Zero(t, h.c.Registry().Len())
}

func TestSubmitRejectedRollsBack(t *testing.T) {
	venue := &fakeVenue{place: func(context.Context, schema.OrderRequest) (schema.OrderUpdate, error) {
		return schema.OrderUpdate{}, errs.New("hitbtc", errs.CodeExchange, errs.WithRawCode("20001"), errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))
	}}
	h := newHarness(t, Config{}, venue)

	id, err := h.c.Submit(context.Background(), "ETH-BTC", schema.TradeSideBuy, schema.OrderTypeLimit, d("1"), d("0.05"))
	require.Error(t, err)
	require.Equal(t, []schema.EventType{schema.EventTypeOrderFailure}, h.log.types(id))
	_, tracked := h.c.Registry().Get(id)
	require.False(t, tracked)
}

func TestSubmitDeadlineEmitsTransactionFailure(t *testing.T) {
	venue := &fakeVenue{place: func(ctx context.Context, _ schema.OrderRequest) (schema.OrderUpdate, error) {
		<-ctx.Done()
		return schema.OrderUpdate{}, errs.New("hitbtc", errs.CodeTimeout, errs.WithCause(ctx.Err()))
	}}
	h := newHarness(t, Config{RequestTimeout: 20 * time.Millisecond}, venue)

	id, err := h.c.Submit(context.Background(), "ETH-BTC", schema.TradeSideBuy, schema.OrderTypeLimit, d("1"), d("0.05"))
	require.Error(t, err)
	require.Equal(t, []schema.EventType{schema.EventTypeTransactionFailure, schema.EventTypeOrderFailure}, h.log.types(id))
	require.Zero(t, h.c.Registry().Len())
}

func TestSubmitShutdownKeepsOrderWithoutEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	venue := &fakeVenue{place: func(context.Context, schema.OrderRequest) (schema.OrderUpdate, error) {
		cancel()
		return schema.OrderUpdate{}, context.Canceled
	}}
	h := newHarness(t, Config{}, venue)

	_, err := h.c.Submit(ctx, "ETH-BTC", schema.TradeSideBuy, schema.OrderTypeLimit, d("1"), d("0.05"))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.log.types(""))
	require.Equal(t, 1, h.c.Registry().Len())
}

func TestCancelUnknownOrderFailsFast(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	err := h.c.Cancel(context.Background(), "nope")
	require.True(t, errs.IsValidation(err))
	require.Zero(t, h.venue.calls.Load())
}

func TestCancelVenueUnknownIsCancellation(t *testing.T) {
	venue := &fakeVenue{cancel: func(context.Context, string) (schema.OrderUpdate, error) {
		return schema.OrderUpdate{}, errs.New("hitbtc", errs.CodeNotFound, errs.WithRawCode("20002"), errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
	}}
	h := newHarness(t, Config{}, venue)
	h.track("buy-ETHBTC-1")

	require.NoError(t, h.c.Cancel(context.Background(), "buy-ETHBTC-1"))
	require.Equal(t, []schema.EventType{schema.EventTypeOrderCancelled}, h.log.types("buy-ETHBTC-1"))
	require.Zero(t, h.log.count(schema.EventTypeOrderFailure))
	require.True(t, errs.IsValidation(h.c.Cancel(context.Background(), "buy-ETHBTC-1")))
}

func TestCancelAppliesFinalFillsBeforeCancelled(t *testing.T) {
	venue := &fakeVenue{cancel: func(_ context.Context, id string) (schema.OrderUpdate, error) {
		return schema.OrderUpdate{ClientOrderID: id, RawState: "canceled", CumulativeBase: schema.Decimal(d("0.3"))}, nil
	}}
	h := newHarness(t, Config{}, venue)
	h.track("buy-ETHBTC-1")

	require.NoError(t, h.c.Cancel(context.Background(), "buy-ETHBTC-1"))
	require.Equal(t, []schema.EventType{schema.EventTypeOrderFilled, schema.EventTypeOrderCancelled}, h.log.types("buy-ETHBTC-1"))
}

func TestCancelTransportErrorKeepsOrder(t *testing.T) {
	venue := &fakeVenue{cancel: func(context.Context, string) (schema.OrderUpdate, error) {
		return schema.OrderUpdate{}, errs.New("hitbtc", errs.CodeNetwork, errs.WithCause(errors.New("connection reset")))
	}}
	h := newHarness(t, Config{}, venue)
	h.track("buy-ETHBTC-1")

	require.Error(t, h.c.Cancel(context.Background(), "buy-ETHBTC-1"))
	require.Empty(t, h.log.types(""))
	require.Equal(t, 1, h.c.Registry().Len())
}

func TestCancelAllTimesOutWithFailures(t *testing.T) {
	venue := &fakeVenue{cancel: func(ctx context.Context, _ string) (schema.OrderUpdate, error) {
		<-ctx.Done()
		return schema.OrderUpdate{}, ctx.Err()
	}}
	h := newHarness(t, Config{}, venue)
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		h.track(id)
	}

	results, err := h.c.CancelAll(context.Background(), 30*time.Millisecond)
	require.Error(t, err)
	require.Len(t, results, len(ids))
	for _, res := range results {
		require.False(t, res.Success, res.ClientOrderID)
	}
	require.Eventually(t, func() bool { return venue.cancelCount() == len(ids) }, time.Second, 5*time.Millisecond)
	h.c.background.Wait()
	require.Equal(t, len(ids), h.c.Registry().Len())
}

func TestCancelAllConfirmsEveryOrder(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.track("a")
	h.track("b")

	results, err := h.c.CancelAll(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		require.True(t, res.Success)
	}
	require.Equal(t, 2, h.log.count(schema.EventTypeOrderCancelled))
	require.Zero(t, h.c.Registry().Len())

	results, err = h.c.CancelAll(context.Background(), time.Second)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestPollOnceResolvesStatuses(t *testing.T) {
	venue := &fakeVenue{status: func(_ context.Context, id string) (schema.OrderUpdate, error) {
		switch id {
		case "partial":
			return schema.OrderUpdate{ClientOrderID: id, RawState: "partiallyFilled", CumulativeBase: schema.Decimal(d("0.4"))}, nil
		case "transport":
			return schema.OrderUpdate{}, errs.New("hitbtc", errs.CodeNetwork)
		case "unknown":
			return schema.OrderUpdate{}, errs.New("hitbtc", errs.CodeNotFound, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
		default:
			return schema.OrderUpdate{}, errs.New("hitbtc", errs.CodeExchange, errs.WithRawCode("500"))
		}
	}}
	h := newHarness(t, Config{}, venue)
	for _, id := range []string{"partial", "transport", "unknown", "rejected"} {
		h.track(id)
	}

	require.NoError(t, h.c.PollOnce(context.Background()))
	require.Equal(t, []schema.EventType{schema.EventTypeOrderFilled}, h.log.types("partial"))
	require.Empty(t, h.log.types("transport"))
	require.Equal(t, []schema.EventType{schema.EventTypeOrderCancelled}, h.log.types("unknown"))
	require.Equal(t, []schema.EventType{schema.EventTypeOrderFailure}, h.log.types("rejected"))
	require.Equal(t, 2, h.c.Registry().Len())
	require.True(t, h.c.Balances().Available("BTC").Equal(d("1")))

	// Status polling is gated by its interval.
	before := venue.calls.Load()
	require.NoError(t, h.c.PollOnce(context.Background()))
	require.Equal(t, before, venue.calls.Load())
	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.c.PollOnce(context.Background()))
	require.Equal(t, before+2, venue.calls.Load())
}

func TestStatusPollSkipsOrdersBeingPlaced(t *testing.T) {
	notFound := errs.New("hitbtc", errs.CodeNotFound, errs.WithRawCode("20002"), errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
	var statusCalls atomic.Int32
	venue := &fakeVenue{status: func(context.Context, string) (schema.OrderUpdate, error) {
		statusCalls.Add(1)
		return schema.OrderUpdate{}, notFound
	}}
	h := newHarness(t, Config{}, venue)
	venue.place = func(ctx context.Context, req schema.OrderRequest) (schema.OrderUpdate, error) {
		// A polling cycle lands while the venue has not acknowledged yet.
		require.NoError(t, h.c.PollOnce(ctx))
		return schema.OrderUpdate{ClientOrderID: req.ClientOrderID, ExchangeOrderID: "42", RawState: "new", CumulativeBase: schema.Decimal(decimal.Zero)}, nil
	}

	id, err := h.c.Submit(context.Background(), "ETH-BTC", schema.TradeSideBuy, schema.OrderTypeLimit, d("1"), d("0.05"))
	require.NoError(t, err)
	require.Zero(t, statusCalls.Load())
	require.Equal(t, []schema.EventType{schema.EventTypeOrderCreated}, h.log.types(id))
	order, ok := h.c.Registry().Get(id)
	require.True(t, ok)
	require.Equal(t, "42", order.ExchangeOrderID)

	// Once acknowledged, the order is polled again.
	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.c.PollOnce(context.Background()))
	require.EqualValues(t, 1, statusCalls.Load())
}

func TestPollerContainsPanics(t *testing.T) {
	var statusCalls atomic.Int32
	venue := &fakeVenue{status: func(_ context.Context, id string) (schema.OrderUpdate, error) {
		if statusCalls.Add(1) == 1 {
			panic("unexpected payload")
		}
		return schema.OrderUpdate{ClientOrderID: id, RawState: "filled", CumulativeBase: schema.Decimal(d("1"))}, nil
	}}
	h := newHarness(t, Config{StatusPollInterval: time.Second}, venue)
	h.track("buy-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.c.runPoller(ctx)
	}()

	require.Eventually(t, func() bool { return h.clock.Waiters() == 1 }, time.Second, time.Millisecond)
	require.True(t, h.logs.Has("error", "polling cycle panicked"))
	require.True(t, h.logs.Has("warn", "polling cycle failed"))
	_, ok := h.c.Registry().Get("buy-1")
	require.True(t, ok)

	// The backoff wait is shorter than a second; the next cycle resolves the order.
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.log.count(schema.EventTypeOrderCompleted) == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
	require.EqualValues(t, 2, statusCalls.Load())
}

func TestListenerContainsSessionPanics(t *testing.T) {
	stream := &scriptedStream{script: func(n int32, ctx context.Context, onMessage func(), deliver func(schema.OrderUpdate)) error {
		if n == 1 {
			panic("decoder exploded")
		}
		onMessage()
		deliver(schema.OrderUpdate{ClientOrderID: "buy-1", RawState: "filled", CumulativeBase: schema.Decimal(d("1"))})
		<-ctx.Done()
		return ctx.Err()
	}}
	h := newHarness(t, Config{}, nil)
	h.c.stream = stream
	h.track("buy-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.c.runListener(ctx)
	}()

	require.Eventually(t, func() bool { return h.clock.Waiters() == 1 }, time.Second, time.Millisecond)
	require.True(t, h.logs.Has("error", "order stream session panicked"))
	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return h.log.count(schema.EventTypeOrderCompleted) == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
	require.EqualValues(t, 2, stream.sessions.Load())
}

func TestPollOnceRuleFailureKeepsTable(t *testing.T) {
	venue := &fakeVenue{rulesErr: errs.New("hitbtc", errs.CodeUnavailable)}
	h := newHarness(t, Config{}, venue)
	h.clock.Advance(time.Minute)

	err := h.c.PollOnce(context.Background())
	require.Error(t, err)
	_, ok := h.c.Rules().Get("ETH-BTC")
	require.True(t, ok)
}

func TestStatusAndReadiness(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	status := h.c.Status()
	require.True(t, status[ReadyOrderBooks])
	require.True(t, status[ReadyTradingRules])
	require.False(t, status[ReadyBalances])
	require.False(t, status[ReadyUserStream])
	require.False(t, h.c.Ready())

	require.NoError(t, h.c.PollOnce(context.Background()))
	h.c.markStreamMessage()
	require.True(t, h.c.Ready())
	require.True(t, h.clock.Now().Equal(h.c.LastStreamMessage()))
}

func TestTickWakesPollerOnIntervalBoundary(t *testing.T) {
	h := newHarness(t, Config{ShortPollInterval: 5 * time.Second}, nil)
	drained := func() bool {
		select {
		case <-h.c.pollWake:
			return true
		default:
			return false
		}
	}
	now := h.clock.Now()
	h.c.Tick(now)
	require.True(t, drained())
	h.c.Tick(now.Add(time.Second))
	require.False(t, drained())
	h.c.Tick(now.Add(5 * time.Second))
	require.True(t, drained())
}

type scriptedStream struct {
	sessions atomic.Int32
	script   func(n int32, ctx context.Context, onMessage func(), deliver func(schema.OrderUpdate)) error
}

func (s *scriptedStream) Session(ctx context.Context, onMessage func(), deliver func(schema.OrderUpdate)) error {
	return s.script(s.sessions.Add(1), ctx, onMessage, deliver)
}

func TestListenerReconnectsAfterSessionFailure(t *testing.T) {
	stream := &scriptedStream{script: func(n int32, ctx context.Context, onMessage func(), deliver func(schema.OrderUpdate)) error {
		onMessage()
		if n == 1 {
			deliver(schema.OrderUpdate{ClientOrderID: "buy-1", RawState: "partiallyFilled", CumulativeBase: schema.Decimal(d("0.4"))})
			return errs.New("hitbtc", errs.CodeNetwork)
		}
		deliver(schema.OrderUpdate{ClientOrderID: "buy-1", RawState: "filled", CumulativeBase: schema.Decimal(d("1"))})
		<-ctx.Done()
		return ctx.Err()
	}}
	h := newHarness(t, Config{}, nil)
	h.c.stream = stream
	h.track("buy-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.c.runListener(ctx)
	}()

	require.Eventually(t, func() bool { return h.clock.Waiters() == 1 }, time.Second, time.Millisecond)
	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return h.log.count(schema.EventTypeOrderCompleted) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []schema.EventType{
		schema.EventTypeOrderFilled,
		schema.EventTypeOrderFilled,
		schema.EventTypeOrderCompleted,
	}, h.log.types("buy-1"))
	require.True(t, h.logs.Has("warn", "order stream session ended; reconnecting"))

	cancel()
	<-done
	require.EqualValues(t, 2, stream.sessions.Load())
}

type memStore struct {
	mu    sync.Mutex
	snap  trackingstore.Snapshot
	saves int
}

func (s *memStore) Save(_ context.Context, snap trackingstore.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.saves++
	return nil
}

func (s *memStore) Load(context.Context) (trackingstore.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

func (s *memStore) Close() error { return nil }

func TestRunRestoresPollsAndCheckpoints(t *testing.T) {
	store := &memStore{snap: trackingstore.Snapshot{
		"buy-ETHBTC-5": {
			ClientOrderID: "buy-ETHBTC-5",
			Pair:          "ETH-BTC",
			Side:          schema.TradeSideBuy,
			Type:          schema.OrderTypeLimit,
			Price:         d("0.05"),
			Amount:        d("1"),
			LastState:     schema.OrderStateNew,
		},
	}}
	venue := &fakeVenue{status: func(_ context.Context, id string) (schema.OrderUpdate, error) {
		return schema.OrderUpdate{ClientOrderID: id, RawState: "filled", CumulativeBase: schema.Decimal(d("1"))}, nil
	}}
	log := &eventLog{}
	c := New(Config{}, Deps{
		Venue:     venue,
		Normalize: normalize,
		Publisher: log,
		Store:     store,
		Clock:     clock.NewFake(time.Unix(1_700_000_000, 0)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return log.count(schema.EventTypeOrderCompleted) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.GreaterOrEqual(t, store.saves, 1)
	require.Empty(t, store.snap)
	require.NotEmpty(t, log.events[0].EventID)
}
