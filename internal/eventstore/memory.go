package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
)

// MemoryStore is an in-memory Store used by tests and the dev profile. It
// mirrors the transactional check-and-append semantics of the Postgres store.
type MemoryStore struct {
	mu        sync.RWMutex
	byAgg     map[string][]event.Event
	all       []event.Event
	globalSeq int64
}

// NewMemoryStore creates an empty in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAgg: make(map[string][]event.Event)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedSeq int64, events []event.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("memory store append context: %w", err)
	}
	if aggregateID == "" {
		return 0, errs.New("eventstore/append", errs.CodeInvalid, errs.WithMessage("aggregate id required"))
	}
	if len(events) == 0 {
		return 0, errs.New("eventstore/append", errs.CodeInvalid, errs.WithMessage("at least one event required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.byAgg[aggregateID]
	actual := int64(len(stream))
	if actual != expectedSeq {
		return 0, errs.Conflict("eventstore/append", expectedSeq, actual)
	}

	// Validate the whole batch before mutating anything: all or none.
	staged := make([]event.Event, len(events))
	for i, evt := range events {
		if evt.Sequence == 0 {
			evt.Sequence = expectedSeq + int64(i) + 1
		}
		if evt.Sequence != expectedSeq+int64(i)+1 {
			return 0, errs.New("eventstore/append", errs.CodeInvalid,
				errs.WithAggregate(aggregateID), errs.WithEvent(evt.ID),
				errs.WithMessage(fmt.Sprintf("non-contiguous sequence %d", evt.Sequence)))
		}
		evt.AggregateID = aggregateID
		if aggregateType != "" {
			evt.AggregateType = aggregateType
		}
		if evt.OccurredAt.IsZero() {
			evt.OccurredAt = time.Now().UTC()
		}
		if err := evt.Validate(); err != nil {
			return 0, err
		}
		staged[i] = evt
	}
	for i := range staged {
		s.globalSeq++
		staged[i].GlobalSeq = s.globalSeq
	}
	s.byAgg[aggregateID] = append(stream, staged...)
	s.all = append(s.all, staged...)
	return expectedSeq + int64(len(staged)), nil
}

// Read implements Store.
func (s *MemoryStore) Read(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memory store read context: %w", err)
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.byAgg[aggregateID]
	var out []event.Event
	for _, evt := range stream {
		if evt.Sequence < fromSeq {
			continue
		}
		if toSeq > 0 && evt.Sequence > toSeq {
			break
		}
		out = append(out, evt)
	}
	return out, nil
}

// ReadByType implements Store.
func (s *MemoryStore) ReadByType(ctx context.Context, eventTypes []string, from, to time.Time, afterGlobalSeq int64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memory store scan context: %w", err)
	}
	limit = ClampScanLimit(limit)
	wanted := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	// s.all is already in global-position order.
	idx := sort.Search(len(s.all), func(i int) bool { return s.all[i].GlobalSeq > afterGlobalSeq })
	var out []event.Event
	for _, evt := range s.all[idx:] {
		if len(wanted) > 0 {
			if _, ok := wanted[evt.Type]; !ok {
				continue
			}
		}
		if !from.IsZero() && evt.OccurredAt.Before(from) {
			continue
		}
		if !to.IsZero() && evt.OccurredAt.After(to) {
			continue
		}
		out = append(out, evt)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CountByTypes implements Store.
func (s *MemoryStore) CountByTypes(ctx context.Context, eventTypes []string, from, to time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("memory store context: %w", err)
	}
	wanted := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, evt := range s.all {
		if len(wanted) > 0 {
			if _, ok := wanted[evt.Type]; !ok {
				continue
			}
		}
		if !from.IsZero() && evt.OccurredAt.Before(from) {
			continue
		}
		if !to.IsZero() && evt.OccurredAt.After(to) {
			continue
		}
		count++
	}
	return count, nil
}

// LatestGlobalSeq implements Store.
func (s *MemoryStore) LatestGlobalSeq(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("memory store context: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalSeq, nil
}

// CountByAggregateType implements Store.
func (s *MemoryStore) CountByAggregateType(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memory store context: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int64)
	for _, evt := range s.all {
		counts[evt.AggregateType]++
	}
	return counts, nil
}

var _ Store = (*MemoryStore)(nil)
