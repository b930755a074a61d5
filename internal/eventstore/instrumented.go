package eventstore

import (
	"context"
	"time"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
	"github.com/eventfold/eventfold/internal/telemetry"
)

// InstrumentedStore decorates a Store with append telemetry: events appended
// and transaction duration per (aggregate type, event type), plus sequence
// guard rejections.
type InstrumentedStore struct {
	Store
	metrics *telemetry.Metrics
}

// NewInstrumentedStore wraps inner so appends are recorded on the metrics.
func NewInstrumentedStore(inner Store, metrics *telemetry.Metrics) *InstrumentedStore {
	return &InstrumentedStore{Store: inner, metrics: metrics}
}

// Append implements Store.
func (s *InstrumentedStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedSeq int64, events []event.Event) (int64, error) {
	start := time.Now()
	newSeq, err := s.Store.Append(ctx, aggregateID, aggregateType, expectedSeq, events)
	if err != nil {
		if errs.IsConflict(err) {
			s.metrics.RecordConflict(ctx, aggregateType)
		}
		return 0, err
	}
	elapsed := time.Since(start)
	counts := make(map[string]int64, 1)
	for _, evt := range events {
		counts[evt.Type]++
	}
	for eventType, n := range counts {
		s.metrics.RecordAppend(ctx, aggregateType, eventType, n, elapsed)
	}
	return newSeq, nil
}

var _ Store = (*InstrumentedStore)(nil)
