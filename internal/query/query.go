// Package query is the read-side surface: lookups against projection
// records, never against the event log.
package query

import (
	"context"

	"github.com/eventfold/eventfold/internal/projection"
)

// DefaultFindLimit bounds criteria searches when the caller passes 0.
const DefaultFindLimit = 100

// Service answers read-model queries. Results are eventually consistent with
// the event log; staleness is visible through the engine's lag stats.
type Service struct {
	records projection.RecordStore
}

// NewService constructs a query service over the projection records.
func NewService(records projection.RecordStore) *Service {
	return &Service{records: records}
}

// FindByID returns the single record for the aggregate, or a not_found error.
func (s *Service) FindByID(ctx context.Context, modelName, aggregateID string) (projection.Record, error) {
	return s.records.Get(ctx, modelName, aggregateID)
}

// Find returns records whose fields match every criteria entry exactly.
// An empty criteria map lists the model's records up to limit.
func (s *Service) Find(ctx context.Context, modelName string, criteria map[string]any, limit int) ([]projection.Record, error) {
	if limit <= 0 {
		limit = DefaultFindLimit
	}
	return s.records.Find(ctx, modelName, criteria, limit)
}
