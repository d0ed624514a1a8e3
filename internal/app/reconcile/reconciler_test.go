package reconcile

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderlink/errs"
	"github.com/coachpo/orderlink/internal/app/fees"
	"github.com/coachpo/orderlink/internal/app/tracking"
	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/observability"
	"github.com/coachpo/orderlink/internal/support/clock"
)

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
	case "expired":
		return schema.OrderStateExpired, true
	default:
		return "", false
	}
}

type recorder struct {
	mu     sync.Mutex
	events []schema.Event
}

func (r *recorder) Emit(evt schema.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) all() []schema.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.Event(nil), r.events...)
}

type fixture struct {
	registry *tracking.Registry
	rec      *recorder
	logs     *observability.Recorder
	r        *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := tracking.NewRegistry(nil)
	rec := &recorder{}
	logs := observability.NewRecorder()
	r := New(registry, normalize, fees.NewPolicy(decimal.Zero, decimal.Zero),
		WithEmitter(rec),
		WithLogger(logs),
		WithClock(clock.NewFake(time.Unix(1_700_000_000, 0))))
	return &fixture{registry: registry, rec: rec, logs: logs, r: r}
}

func (f *fixture) track(id string, side schema.TradeSide, amount string) {
	f.registry.StartTracking(schema.InFlightOrder{
		ClientOrderID: id,
		Pair:          "ETH-BTC",
		Side:          side,
		Type:          schema.OrderTypeLimit,
		Price:         d("100"),
		Amount:        d(amount),
	})
}

func update(id, state, cumulative, price string) schema.OrderUpdate {
	u := schema.OrderUpdate{Source: schema.UpdateSourcePoll, ClientOrderID: id, RawState: state}
	if cumulative != "" {
		u.CumulativeBase = schema.Decimal(d(cumulative))
	}
	if price != "" {
		u.FillPrice = schema.Decimal(d(price))
	}
	return u
}

func TestPartialThenFilledScenario(t *testing.T) {
	f := newFixture(t)
	f.track("buy-ETHBTC-1", schema.TradeSideBuy, "1.0")

	first := f.r.ApplyUpdate("buy-ETHBTC-1", update("buy-ETHBTC-1", "partiallyFilled", "0.4", "100"))
	if len(first) != 1 || first[0].Type != schema.EventTypeOrderFilled {
		t.Fatalf("expected one fill, got %+v", first)
	}
	fill := first[0].Payload.(schema.FillPayload)
	if !fill.Amount.Equal(d("0.4")) || !fill.Price.Equal(d("100")) {
		t.Fatalf("unexpected first fill %+v", fill)
	}

	second := f.r.ApplyUpdate("buy-ETHBTC-1", update("buy-ETHBTC-1", "filled", "1.0", "101"))
	if len(second) != 2 {
		t.Fatalf("expected fill + completion, got %+v", second)
	}
	fill = second[0].Payload.(schema.FillPayload)
	if second[0].Type != schema.EventTypeOrderFilled || !fill.Amount.Equal(d("0.6")) || !fill.Price.Equal(d("101")) {
		t.Fatalf("unexpected second fill %+v", second[0])
	}
	if second[1].Type != schema.EventTypeOrderCompleted || second[1].Side != schema.TradeSideBuy {
		t.Fatalf("expected buy completion, got %+v", second[1])
	}
	done := second[1].Payload.(schema.CompletedPayload)
	if !done.BaseAmount.Equal(d("1.0")) || !done.QuoteAmount.Equal(d("100.6")) {
		t.Fatalf("unexpected completion %+v", done)
	}
	if !done.Fee.Equal(d("0.1006")) || done.FeeAsset != "BTC" {
		t.Fatalf("unexpected fee %s %s", done.Fee, done.FeeAsset)
	}
	if _, ok := f.registry.Get("buy-ETHBTC-1"); ok {
		t.Fatal("completed order must be removed")
	}

	if replay := f.r.ApplyUpdate("buy-ETHBTC-1", update("buy-ETHBTC-1", "filled", "1.0", "101")); len(replay) != 0 {
		t.Fatalf("duplicate delivery must emit nothing, got %+v", replay)
	}
	if got := len(f.rec.all()); got != 3 {
		t.Fatalf("expected 3 emitted events, got %d", got)
	}
}

func TestDuplicatePartialEmitsNothing(t *testing.T) {
	f := newFixture(t)
	f.track("a", schema.TradeSideSell, "2")

	f.r.ApplyUpdate("a", update("a", "partiallyFilled", "0.5", "100"))
	if events := f.r.ApplyUpdate("a", update("a", "partiallyFilled", "0.5", "100")); len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
	stale := update("a", "partiallyFilled", "0.2", "100")
	stale.Source = schema.UpdateSourceStream
	if events := f.r.ApplyUpdate("a", stale); len(events) != 0 {
		t.Fatalf("stale cumulative must not emit, got %+v", events)
	}
	order, _ := f.registry.Get("a")
	if !order.ExecutedBase.Equal(d("0.5")) {
		t.Fatalf("executed base must not decrease, got %s", order.ExecutedBase)
	}
}

func TestCumulativeClampedToAmount(t *testing.T) {
	f := newFixture(t)
	f.track("a", schema.TradeSideBuy, "1")

	events := f.r.ApplyUpdate("a", update("a", "partiallyFilled", "1.5", "100"))
	if len(events) != 1 {
		t.Fatalf("expected one fill, got %+v", events)
	}
	if amount := events[0].Payload.(schema.FillPayload).Amount; !amount.Equal(d("1")) {
		t.Fatalf("expected clamped fill of 1, got %s", amount)
	}
	if f.logs.Count("warn") == 0 {
		t.Fatal("expected clamp warning")
	}
}

func TestUnknownStateKeepsOrderOpen(t *testing.T) {
	f := newFixture(t)
	f.track("a", schema.TradeSideBuy, "1")

	events := f.r.ApplyUpdate("a", update("a", "frozen", "0.3", "100"))
	if len(events) != 1 || events[0].Type != schema.EventTypeOrderFilled {
		t.Fatalf("fills must still apply for unknown states, got %+v", events)
	}
	order, ok := f.registry.Get("a")
	if !ok || order.LastState != schema.OrderStateNew {
		t.Fatalf("expected order to remain in New, got %+v", order)
	}
	if !f.logs.Has("warn", "unrecognised order state") {
		t.Fatal("expected unknown state warning")
	}
}

func TestExpiredIsCancellation(t *testing.T) {
	f := newFixture(t)
	f.track("a", schema.TradeSideSell, "1")

	events := f.r.ApplyUpdate("a", update("a", "expired", "0.25", "99"))
	if len(events) != 2 {
		t.Fatalf("expected fill + cancel, got %+v", events)
	}
	if events[0].Type != schema.EventTypeOrderFilled || events[1].Type != schema.EventTypeOrderCancelled {
		t.Fatalf("unexpected event order %s, %s", events[0].Type, events[1].Type)
	}
	if _, ok := f.registry.Get("a"); ok {
		t.Fatal("expired order must be removed")
	}
}

func TestFilledWithoutAmountImpliesFullExecution(t *testing.T) {
	f := newFixture(t)
	f.track("a", schema.TradeSideBuy, "2")

	events := f.r.ApplyUpdate("a", update("a", "filled", "", ""))
	if len(events) != 2 {
		t.Fatalf("expected fill + completion, got %+v", events)
	}
	fill := events[0].Payload.(schema.FillPayload)
	if !fill.Amount.Equal(d("2")) || !fill.Price.Equal(d("100")) {
		t.Fatalf("expected fill at order price, got %+v", fill)
	}
}

func TestAveragePriceDerivesIncrementPrice(t *testing.T) {
	f := newFixture(t)
	f.track("a", schema.TradeSideBuy, "1")

	u := update("a", "partiallyFilled", "0.5", "")
	u.AveragePrice = schema.Decimal(d("100"))
	f.r.ApplyUpdate("a", u)

	u = update("a", "partiallyFilled", "1", "")
	u.AveragePrice = schema.Decimal(d("101"))
	events := f.r.ApplyUpdate("a", u)
	if price := events[0].Payload.(schema.FillPayload).Price; !price.Equal(d("102")) {
		t.Fatalf("expected implied increment price 102, got %s", price)
	}
}

func TestReportedTradeFeeTakesPrecedence(t *testing.T) {
	f := newFixture(t)
	f.track("a", schema.TradeSideBuy, "1")

	u := update("a", "partiallyFilled", "0.5", "100")
	u.TradeFee = schema.Decimal(d("0.0123"))
	u.FeeAsset = "btc"
	events := f.r.ApplyUpdate("a", u)
	fill := events[0].Payload.(schema.FillPayload)
	if !fill.Fee.Equal(d("0.0123")) {
		t.Fatalf("expected reported fee, got %s", fill.Fee)
	}
}

func TestAbsentOrderIsDiscarded(t *testing.T) {
	f := newFixture(t)
	if events := f.r.ApplyUpdate("ghost", update("ghost", "filled", "1", "1")); events != nil {
		t.Fatalf("expected nil, got %+v", events)
	}
	if len(f.logs.Entries()) != 0 {
		t.Fatal("absent orders are discarded silently")
	}
}

func TestInvalidUpdateIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.track("a", schema.TradeSideBuy, "1")
	if events := f.r.ApplyUpdate("a", update("a", "partiallyFilled", "-1", "")); len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
	if !f.logs.Has("warn", "discard invalid order update") {
		t.Fatal("expected invalid update warning")
	}
}

func TestStatusErrors(t *testing.T) {
	f := newFixture(t)
	f.track("missing", schema.TradeSideBuy, "1")
	f.track("flaky", schema.TradeSideBuy, "1")
	f.track("rejected", schema.TradeSideBuy, "1")

	notFound := errs.New("hitbtc", errs.CodeNotFound, errs.WithRawCode("20002"), errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
	events := f.r.ApplyStatusError("missing", notFound)
	if len(events) != 1 || events[0].Type != schema.EventTypeOrderCancelled {
		t.Fatalf("expected cancellation, got %+v", events)
	}

	transport := errs.New("hitbtc", errs.CodeNetwork, errs.WithCause(errors.New("reset")))
	if events := f.r.ApplyStatusError("flaky", transport); len(events) != 0 {
		t.Fatalf("transport errors must not emit, got %+v", events)
	}
	if _, ok := f.registry.Get("flaky"); !ok {
		t.Fatal("transport errors must keep the order tracked")
	}

	for _, refused := range []error{
		errs.New("hitbtc", errs.CodeRateLimited, errs.WithHTTP(429), errs.WithCanonicalCode(errs.CanonicalRateLimited)),
		errs.New("hitbtc", errs.CodeAuth, errs.WithRawCode("1002"), errs.WithRawMessage("Authorization failed")),
	} {
		if events := f.r.ApplyStatusError("flaky", refused); len(events) != 0 {
			t.Fatalf("%s must not emit, got %+v", errs.CodeOf(refused), events)
		}
		if _, ok := f.registry.Get("flaky"); !ok {
			t.Fatalf("%s must keep the order tracked", errs.CodeOf(refused))
		}
	}

	venue := errs.New("hitbtc", errs.CodeExchange, errs.WithRawCode("10001"), errs.WithRawMessage("Validation error"))
	events = f.r.ApplyStatusError("rejected", venue)
	if len(events) != 1 || events[0].Type != schema.EventTypeOrderFailure {
		t.Fatalf("expected failure, got %+v", events)
	}
	if _, ok := f.registry.Get("rejected"); ok {
		t.Fatal("failed order must be removed")
	}
}

func TestCancelledEmitsOnce(t *testing.T) {
	f := newFixture(t)
	f.track("a", schema.TradeSideBuy, "1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.r.Cancelled("a")
		}()
	}
	wg.Wait()

	cancels := 0
	for _, evt := range f.rec.all() {
		if evt.Type == schema.EventTypeOrderCancelled {
			cancels++
		}
	}
	if cancels != 1 {
		t.Fatalf("expected exactly one cancellation, got %d", cancels)
	}
}

func TestConcurrentChannelsSumToCumulative(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		f := newFixture(t)
		f.track("a", schema.TradeSideBuy, "10")

		steps := make([]decimal.Decimal, 0, 10)
		total := decimal.Zero
		for i := 0; i < 10; i++ {
			total = total.Add(decimal.New(int64(rng.Intn(9)+1), -1))
			if total.GreaterThan(d("10")) {
				total = d("10")
			}
			steps = append(steps, total)
		}

		var wg sync.WaitGroup
		for _, source := range []schema.UpdateSource{schema.UpdateSourcePoll, schema.UpdateSourceStream} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i, cum := range steps {
					state := "partiallyFilled"
					if i == len(steps)-1 {
						state = "filled"
					}
					u := update("a", state, cum.String(), "100")
					u.Source = source
					f.r.ApplyUpdate("a", u)
				}
			}()
		}
		wg.Wait()

		sum := decimal.Zero
		completions := 0
		for _, evt := range f.rec.all() {
			switch evt.Type {
			case schema.EventTypeOrderFilled:
				sum = sum.Add(evt.Payload.(schema.FillPayload).Amount)
			case schema.EventTypeOrderCompleted:
				completions++
				if !evt.Payload.(schema.CompletedPayload).BaseAmount.Equal(sum) {
					t.Fatalf("trial %d: completion %s != sum of fills %s", trial, evt.Payload.(schema.CompletedPayload).BaseAmount, sum)
				}
			}
		}
		if completions != 1 {
			t.Fatalf("trial %d: expected one completion, got %d", trial, completions)
		}
		if !sum.Equal(steps[len(steps)-1]) {
			t.Fatalf("trial %d: fills %s != final cumulative %s", trial, sum, steps[len(steps)-1])
		}
	}
}

func TestCreatedAndTransactionFailureKeepOrderTracked(t *testing.T) {
	f := newFixture(t)
	f.track("sell-ETHBTC-9", schema.TradeSideSell, "2")

	events := f.r.Created("sell-ETHBTC-9", "77")
	if len(events) != 1 || events[0].Type != schema.EventTypeOrderCreated {
		t.Fatalf("expected OrderCreated, got %+v", events)
	}
	if events[0].ExchangeOrderID != "77" {
		t.Fatalf("expected exchange id on event, got %q", events[0].ExchangeOrderID)
	}
	payload, ok := events[0].Payload.(schema.CreatedPayload)
	if !ok || !payload.Amount.Equal(d("2")) {
		t.Fatalf("unexpected payload %+v", events[0].Payload)
	}

	events = f.r.TransactionFailure("sell-ETHBTC-9", "deadline exceeded")
	if len(events) != 1 || events[0].Type != schema.EventTypeTransactionFailure {
		t.Fatalf("expected TransactionFailure, got %+v", events)
	}
	order, ok := f.registry.Get("sell-ETHBTC-9")
	if !ok || order.ExchangeOrderID != "77" {
		t.Fatalf("expected order still tracked with exchange id, got %+v", order)
	}
	if got := f.r.Created("missing", "1"); got != nil {
		t.Fatalf("expected no events for untracked order, got %+v", got)
	}
}
