package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/internal/observability"
)

// Publisher receives newly appended events. Delivery is at-least-once and
// decoupled from the append transaction: a publish failure never rolls back
// the append.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// PublishingStore decorates a Store so that successful appends hand the new
// events to a publisher. Used with the in-memory store; the Postgres store
// achieves the same decoupling through its outbox relay.
//
// Delivery is ordered per aggregate: each aggregate has a FIFO queue drained
// by at most one goroutine, so a subscriber never sees sequence n+1 before
// sequence n. Separate aggregates deliver concurrently.
type PublishingStore struct {
	Store
	publisher Publisher
	timeout   time.Duration

	mu     sync.Mutex
	order  map[string]*sync.Mutex
	queues map[string][]event.Event
}

// NewPublishingStore wraps inner so appended events reach the publisher.
func NewPublishingStore(inner Store, publisher Publisher) *PublishingStore {
	return &PublishingStore{
		Store:     inner,
		publisher: publisher,
		timeout:   5 * time.Second,
		order:     make(map[string]*sync.Mutex),
		queues:    make(map[string][]event.Event),
	}
}

// Append implements Store. The per-aggregate lock spans the append and the
// enqueue: a writer that beats another to the store also enqueues first, so
// the delivery queue carries the aggregate's events in sequence order.
func (s *PublishingStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedSeq int64, events []event.Event) (int64, error) {
	if s.publisher == nil {
		return s.Store.Append(ctx, aggregateID, aggregateType, expectedSeq, events)
	}

	lock := s.aggregateLock(aggregateID)
	lock.Lock()
	defer lock.Unlock()

	newSeq, err := s.Store.Append(ctx, aggregateID, aggregateType, expectedSeq, events)
	if err != nil {
		return 0, err
	}
	// Re-read to pick up store-assigned fields (global position).
	stored, readErr := s.Store.Read(ctx, aggregateID, expectedSeq+1, newSeq)
	if readErr != nil {
		stored = events
	}
	s.enqueue(aggregateID, stored)
	return newSeq, nil
}

func (s *PublishingStore) aggregateLock(aggregateID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.order[aggregateID]
	if !ok {
		lock = &sync.Mutex{}
		s.order[aggregateID] = lock
	}
	return lock
}

// enqueue adds the events to the aggregate's queue and starts a drainer when
// none is active. The queue key existing means a drainer owns it.
func (s *PublishingStore) enqueue(aggregateID string, events []event.Event) {
	s.mu.Lock()
	pending, active := s.queues[aggregateID]
	s.queues[aggregateID] = append(pending, events...)
	s.mu.Unlock()
	if !active {
		go s.drain(aggregateID)
	}
}

func (s *PublishingStore) drain(aggregateID string) {
	for {
		s.mu.Lock()
		pending := s.queues[aggregateID]
		if len(pending) == 0 {
			delete(s.queues, aggregateID)
			s.mu.Unlock()
			return
		}
		next := pending[0]
		s.queues[aggregateID] = pending[1:]
		s.mu.Unlock()
		s.deliver(next)
	}
}

func (s *PublishingStore) deliver(evt event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, evt); err != nil {
		observability.Log().Error("event publish failed",
			observability.Field{Key: "event_id", Value: evt.ID},
			observability.Field{Key: "aggregate_id", Value: evt.AggregateID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

var _ Store = (*PublishingStore)(nil)
