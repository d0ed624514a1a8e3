// Package eventbus fans lifecycle events out to strategy subscribers.
package eventbus

import (
	"context"

	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/observability"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers lifecycle events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt schema.Event) error
	// Subscribe registers for the given event types; no types means every event.
	Subscribe(ctx context.Context, types ...schema.EventType) (SubscriptionID, <-chan schema.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
	Logger        observability.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	c.Logger = observability.OrNop(c.Logger)
	return c
}
