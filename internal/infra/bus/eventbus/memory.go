package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orderlink/errs"
	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/infra/telemetry"
	"github.com/coachpo/orderlink/internal/observability"
)

// MemoryBus is an in-memory implementation of the event bus. Publish never
// blocks on a slow subscriber and never discards an event: each subscription
// queues what its channel cannot take yet and a per-subscription pump drains
// the queue in publish order.
type MemoryBus struct {
	cfg    MemoryConfig
	logger observability.Logger

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	closed       bool
	shutdownOnce sync.Once
	nextID       uint64
	pumps        conc.WaitGroup

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	publishDuration        metric.Float64Histogram
	deliveryLaggedCounter  metric.Int64Counter
}

type subscriber struct {
	id     SubscriptionID
	ctx    context.Context
	cancel context.CancelFunc
	types  map[schema.EventType]struct{}

	// out is handed to the subscriber; only the pump sends on it and closes it.
	out  chan schema.Event
	wake chan struct{}

	mu      sync.Mutex
	backlog []schema.Event
	lagging bool
	closed  bool
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	bus := &MemoryBus{
		cfg:         cfg,
		logger:      cfg.Logger,
		subscribers: make(map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("orderlink.eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("orderlink.eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("orderlink.eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("orderlink.eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryLaggedCounter, _ = meter.Int64Counter("orderlink.eventbus.delivery.lagged",
		metric.WithDescription("Number of events queued behind a full subscriber buffer"),
		metric.WithUnit("{event}"))
	return bus
}

// Publish fans the event out to every subscriber interested in its type.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	start := time.Now()
	result := "success"
	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "", "eventbus.publish", result)
			attrs = append(attrs, telemetry.AttrEventType.String(string(evt.Type)))
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		result = "closed"
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.wants(evt.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		result = "no_subscribers"
		return nil
	}
	b.dispatch(ctx, targets, evt)

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), "", evt.Pair)...))
	}
	return nil
}

// Subscribe registers for events of the given types and returns a
// subscription ID and channel. The channel closes when ctx ends, on
// Unsubscribe, or when the bus closes; events still queued at that point are
// released with the subscription.
func (b *MemoryBus) Subscribe(ctx context.Context, types ...schema.EventType) (SubscriptionID, <-chan schema.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	filter := make(map[schema.EventType]struct{}, len(types))
	for _, typ := range types {
		if typ == "" {
			return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("empty event type"))
		}
		filter[typ] = struct{}{}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		id:     SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1))),
		ctx:    subCtx,
		cancel: cancel,
		types:  filter,
		out:    make(chan schema.Event, b.cfg.BufferSize),
		wake:   make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	b.subscribers[sub.id] = sub
	b.pumps.Go(sub.pump)
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1)
	}
	context.AfterFunc(subCtx, func() { b.Unsubscribe(sub.id) })
	return sub.id, sub.out, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1)
	}
	sub.close()
}

// Close shuts down the bus and all subscriptions and waits for their pumps.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := b.subscribers
		b.subscribers = make(map[SubscriptionID]*subscriber)
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
		b.pumps.Wait()
	})
}

func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, evt schema.Event) {
	if len(subs) == 1 {
		b.deliver(ctx, subs[0], evt)
		return
	}
	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		p.Go(func() { b.deliver(ctx, sub, evt) })
	}
	p.Wait()
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt schema.Event) {
	lagged, startedLagging := sub.enqueue(evt, b.cfg.BufferSize)
	if startedLagging {
		b.logger.Warn("subscriber lagging; queueing events",
			observability.F("subscription", string(sub.id)),
			observability.F("event_type", string(evt.Type)),
			observability.F("client_order_id", evt.ClientOrderID))
	}
	if lagged && b.deliveryLaggedCounter != nil {
		b.deliveryLaggedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), "", evt.Pair)...))
	}
}

// enqueue appends evt to the backlog. lagged reports that more than limit
// events wait for the subscriber; startedLagging is set only on the first such
// event since the backlog last drained.
func (s *subscriber) enqueue(evt schema.Event, limit int) (lagged, startedLagging bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, false
	}
	s.backlog = append(s.backlog, evt)
	if len(s.backlog)+len(s.out) > limit {
		lagged = true
		startedLagging = !s.lagging
		s.lagging = true
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return lagged, startedLagging
}

// pump moves queued events onto out until the subscription ends.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.backlog) == 0 {
			s.backlog = nil
			s.lagging = false
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				return
			}
		}
		evt := s.backlog[0]
		s.backlog[0] = schema.Event{}
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *subscriber) wants(typ schema.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

func (s *subscriber) close() {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	s.backlog = nil
	s.mu.Unlock()
}
