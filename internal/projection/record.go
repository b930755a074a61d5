package projection

import (
	"context"
	"time"
)

// Record is one denormalized projection row, keyed by (projection name,
// aggregate identity). IncorporatedVersion is the highest event sequence
// number reflected in Fields; it is the idempotence guard for redelivery.
type Record struct {
	ProjectionName      string
	AggregateID         string
	Fields              map[string]any
	IncorporatedVersion int64
	UpdatedAt           time.Time
}

// RecordStore persists projection records. Only the projection engine writes
// records; repeated or out-of-order delivery is made safe by version checks
// inside each operation rather than by locks.
type RecordStore interface {
	// Get returns the record, or a not_found error.
	Get(ctx context.Context, projection, aggregateID string) (Record, error)

	// Apply merges the field updates and advances the incorporated version to
	// seq, creating the record when absent. When the stored version is already
	// >= seq the call is a no-op and returns false.
	Apply(ctx context.Context, projection, aggregateID string, fields map[string]any, seq int64) (bool, error)

	// Merge merges the field updates without the strict version guard,
	// leaving the incorporated version at max(stored, seq). Used by catchup
	// backfill, which writes fields no previous rule ever populated.
	Merge(ctx context.Context, projection, aggregateID string, fields map[string]any, seq int64) error

	// Truncate removes every record of the projection, for full rebuilds.
	Truncate(ctx context.Context, projection string) error

	// Find returns records matching the equality criteria, up to limit.
	Find(ctx context.Context, projection string, criteria map[string]any, limit int) ([]Record, error)
}

// Checkpoint records catchup progress for one read model so a crash mid-run
// resumes instead of restarting from zero.
type Checkpoint struct {
	ProjectionName string
	// RulesHash and RuleHashes describe the last fully incorporated model
	// declaration. They advance only when a catchup completes.
	RulesHash  string
	RuleHashes map[string]string
	// PendingHash names the declaration an in-flight catchup is working
	// toward; it matches RulesHash once that catchup completes.
	PendingHash string
	CatchupDone bool
	// CatchupSeq is the in-flight backfill's scan cursor over the changed
	// event types. It resets to zero once the catchup completes.
	CatchupSeq int64
	// LastGlobalSeq is the all-types position the live tail resumes from.
	// A backfill that scanned only a subset of event types never advances
	// it; events of the other types appended while the engine was down are
	// still owed to the tail replay.
	LastGlobalSeq int64
	LastEventID   string
	LastOccurredAt time.Time
	UpdatedAt      time.Time
}

// CheckpointStore persists catchup checkpoints.
type CheckpointStore interface {
	// Get returns the checkpoint, or a not_found error for a new model.
	Get(ctx context.Context, projection string) (Checkpoint, error)
	Put(ctx context.Context, cp Checkpoint) error
}
