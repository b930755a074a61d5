// Package eventbus delivers stored events to in-process subscribers.
package eventbus

import (
	"context"

	"github.com/eventfold/eventfold/core/event"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// HandlerFunc consumes one delivered event. Delivery is at-least-once;
// handlers must be idempotent with respect to event identity and sequence.
type HandlerFunc func(ctx context.Context, evt event.Event) error

// Bus fans stored events out to interested subscribers. Events published for
// a single aggregate arrive at each subscriber in non-decreasing sequence
// order; no ordering holds across aggregates.
type Bus interface {
	Publish(ctx context.Context, evt event.Event) error
	// Subscribe registers a named handler for the given event types. An empty
	// type list subscribes to every event.
	Subscribe(name string, eventTypes []string, handler HandlerFunc) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
