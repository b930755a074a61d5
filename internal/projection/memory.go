package projection

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/eventfold/eventfold/errs"
)

type recordKey struct {
	projection  string
	aggregateID string
}

// MemoryRecordStore is an in-memory RecordStore for tests and the dev profile.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[recordKey]Record)}
}

// Get implements RecordStore.
func (s *MemoryRecordStore) Get(ctx context.Context, projection, aggregateID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("memory record get context: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[recordKey{projection, aggregateID}]
	if !ok {
		return Record{}, errs.New("projection/get", errs.CodeNotFound,
			errs.WithAggregate(aggregateID), errs.WithMessage("no record for "+projection))
	}
	return cloneRecord(record), nil
}

// Apply implements RecordStore.
func (s *MemoryRecordStore) Apply(ctx context.Context, projection, aggregateID string, fields map[string]any, seq int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("memory record apply context: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{projection, aggregateID}
	record, ok := s.records[key]
	if !ok {
		record = Record{ProjectionName: projection, AggregateID: aggregateID, Fields: map[string]any{}}
	}
	if record.IncorporatedVersion >= seq {
		return false, nil
	}
	for k, v := range fields {
		record.Fields[k] = v
	}
	record.IncorporatedVersion = seq
	record.UpdatedAt = time.Now().UTC()
	s.records[key] = record
	return true, nil
}

// Merge implements RecordStore.
func (s *MemoryRecordStore) Merge(ctx context.Context, projection, aggregateID string, fields map[string]any, seq int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory record merge context: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{projection, aggregateID}
	record, ok := s.records[key]
	if !ok {
		record = Record{ProjectionName: projection, AggregateID: aggregateID, Fields: map[string]any{}}
	}
	for k, v := range fields {
		record.Fields[k] = v
	}
	if seq > record.IncorporatedVersion {
		record.IncorporatedVersion = seq
	}
	record.UpdatedAt = time.Now().UTC()
	s.records[key] = record
	return nil
}

// Truncate implements RecordStore.
func (s *MemoryRecordStore) Truncate(ctx context.Context, projection string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory record truncate context: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.records {
		if key.projection == projection {
			delete(s.records, key)
		}
	}
	return nil
}

// Find implements RecordStore.
func (s *MemoryRecordStore) Find(ctx context.Context, projection string, criteria map[string]any, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memory record find context: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for key, record := range s.records {
		if key.projection != projection {
			continue
		}
		if !matchesCriteria(record.Fields, criteria) {
			continue
		}
		out = append(out, cloneRecord(record))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func matchesCriteria(fields, criteria map[string]any) bool {
	for k, want := range criteria {
		got, ok := fields[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func cloneRecord(r Record) Record {
	clone := r
	clone.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		clone.Fields[k] = v
	}
	return clone
}

var _ RecordStore = (*MemoryRecordStore)(nil)

// MemoryCheckpointStore is an in-memory CheckpointStore.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]Checkpoint)}
}

// Get implements CheckpointStore.
func (s *MemoryCheckpointStore) Get(ctx context.Context, projection string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, fmt.Errorf("memory checkpoint get context: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[projection]
	if !ok {
		return Checkpoint{}, errs.New("projection/checkpoint", errs.CodeNotFound,
			errs.WithMessage("no checkpoint for "+projection))
	}
	return cp, nil
}

// Put implements CheckpointStore.
func (s *MemoryCheckpointStore) Put(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory checkpoint put context: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.UpdatedAt = time.Now().UTC()
	s.checkpoints[cp.ProjectionName] = cp
	return nil
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)
