package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
	"github.com/eventfold/eventfold/internal/observability"
)

// MemoryBus is an in-memory implementation of the event bus. Publish blocks
// until every matching subscriber's handler returns, which preserves
// per-aggregate ordering as long as the publisher emits events in order.
type MemoryBus struct {
	cfg MemoryConfig

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscription
	shutdown     bool
	shutdownOnce sync.Once
	nextID       uint64
}

type subscription struct {
	id      SubscriptionID
	name    string
	types   map[string]struct{}
	handler HandlerFunc
	// serializes deliveries per subscriber so one slow handler never
	// reorders its own stream
	deliverMu sync.Mutex
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	return &MemoryBus{
		cfg:         cfg.normalize(),
		subscribers: make(map[SubscriptionID]*subscription),
	}
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(name string, eventTypes []string, handler HandlerFunc) (SubscriptionID, error) {
	if handler == nil {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	sub := &subscription{
		name:    name,
		handler: handler,
	}
	if len(eventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			if t != "" {
				sub.types[t] = struct{}{}
			}
		}
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))
	sub.id = id

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return "", errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	b.subscribers[id] = sub
	return id, nil
}

// Unsubscribe implements Bus.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// Publish implements Bus. Subscriber failures are isolated: every matching
// subscriber is attempted and the failures are aggregated.
func (b *MemoryBus) Publish(ctx context.Context, evt event.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}

	b.mu.RLock()
	if b.shutdown {
		b.mu.RUnlock()
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	matched := make([]*subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.matches(evt.Type) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return nil
	}
	if len(matched) == 1 {
		return matched[0].deliver(ctx, evt)
	}

	workers := b.cfg.FanoutWorkers
	if workers > len(matched) {
		workers = len(matched)
	}
	var errMu sync.Mutex
	var deliveryErrs []error
	p := pool.New().WithMaxGoroutines(workers)
	for _, sub := range matched {
		sub := sub
		p.Go(func() {
			if err := sub.deliver(ctx, evt); err != nil {
				errMu.Lock()
				deliveryErrs = append(deliveryErrs, fmt.Errorf("subscriber %s: %w", sub.name, err))
				errMu.Unlock()
			}
		})
	}
	p.Wait()

	if len(deliveryErrs) == 0 {
		return nil
	}
	return observability.AggregateErrors("eventbus fan-out", deliveryErrs,
		observability.Field{Key: "event_id", Value: evt.ID},
		observability.Field{Key: "event_type", Value: evt.Type},
		observability.Field{Key: "aggregate_id", Value: evt.AggregateID})
}

// Close implements Bus.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.shutdown = true
		for id := range b.subscribers {
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
	})
}

func (s *subscription) matches(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

func (s *subscription) deliver(ctx context.Context, evt event.Event) (err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber %s panic: %v", s.name, r)
		}
	}()
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("deliver context: %w", cerr)
	}
	return s.handler(ctx, evt)
}

var _ Bus = (*MemoryBus)(nil)
