// Package snapshotstore persists aggregate snapshots keyed by identity and sequence.
package snapshotstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/eventfold/eventfold/core/aggregate"
	"github.com/eventfold/eventfold/errs"
)

// MemoryStore is an in-memory snapshot store for tests and the dev profile.
type MemoryStore struct {
	mu    sync.RWMutex
	byAgg map[string][]aggregate.Snapshot
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAgg: make(map[string][]aggregate.Snapshot)}
}

// Save implements aggregate.SnapshotStore.
func (s *MemoryStore) Save(ctx context.Context, snap aggregate.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory snapshot save context: %w", err)
	}
	if snap.AggregateID == "" || snap.Sequence < 1 {
		return errs.New("snapshotstore/save", errs.CodeInvalid,
			errs.WithMessage("aggregate id and positive sequence required"))
	}
	state := make([]byte, len(snap.State))
	copy(state, snap.State)
	snap.State = state

	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.byAgg[snap.AggregateID]
	for i, existing := range snaps {
		if existing.Sequence == snap.Sequence {
			snaps[i] = snap
			return nil
		}
	}
	s.byAgg[snap.AggregateID] = append(snaps, snap)
	return nil
}

// Latest implements aggregate.SnapshotStore.
func (s *MemoryStore) Latest(ctx context.Context, aggregateID string, maxSeq int64) (aggregate.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return aggregate.Snapshot{}, fmt.Errorf("memory snapshot latest context: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best aggregate.Snapshot
	found := false
	for _, snap := range s.byAgg[aggregateID] {
		if maxSeq > 0 && snap.Sequence > maxSeq {
			continue
		}
		if !found || snap.Sequence > best.Sequence {
			best = snap
			found = true
		}
	}
	if !found {
		return aggregate.Snapshot{}, errs.New("snapshotstore/latest", errs.CodeNotFound,
			errs.WithAggregate(aggregateID), errs.WithMessage("no snapshot"))
	}
	return best, nil
}

// Prune implements aggregate.SnapshotStore.
func (s *MemoryStore) Prune(ctx context.Context, aggregateID string, keepSeq int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory snapshot prune context: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.byAgg[aggregateID]
	kept := snaps[:0]
	for _, snap := range snaps {
		if snap.Sequence >= keepSeq {
			kept = append(kept, snap)
		}
	}
	s.byAgg[aggregateID] = kept
	return nil
}

var _ aggregate.SnapshotStore = (*MemoryStore)(nil)
