// Package postgres persists projection records and catchup checkpoints.
package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventfold/eventfold/errs"
	"github.com/eventfold/eventfold/internal/projection"
)

// RecordStore implements projection.RecordStore on the projections table.
// The version guard lives in the upsert predicate, so concurrent engine
// writers and redelivered events resolve without explicit locking.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore constructs a RecordStore backed by the provided pool.
func NewRecordStore(pool *pgxpool.Pool) *RecordStore {
	return &RecordStore{pool: pool}
}

const (
	getRecordSQL = `
SELECT fields, incorporated_version, updated_at
FROM projections
WHERE projection_name = $1 AND aggregate_id = $2;
`

	applyRecordSQL = `
INSERT INTO projections (projection_name, aggregate_id, fields, incorporated_version, updated_at)
VALUES ($1, $2, $3::jsonb, $4, NOW())
ON CONFLICT (projection_name, aggregate_id) DO UPDATE
SET fields               = projections.fields || EXCLUDED.fields,
    incorporated_version = EXCLUDED.incorporated_version,
    updated_at           = NOW()
WHERE projections.incorporated_version < EXCLUDED.incorporated_version;
`

	mergeRecordSQL = `
INSERT INTO projections (projection_name, aggregate_id, fields, incorporated_version, updated_at)
VALUES ($1, $2, $3::jsonb, $4, NOW())
ON CONFLICT (projection_name, aggregate_id) DO UPDATE
SET fields               = projections.fields || EXCLUDED.fields,
    incorporated_version = GREATEST(projections.incorporated_version, EXCLUDED.incorporated_version),
    updated_at           = NOW();
`

	truncateRecordsSQL = `
DELETE FROM projections WHERE projection_name = $1;
`

	findRecordsSQL = `
SELECT aggregate_id, fields, incorporated_version, updated_at
FROM projections
WHERE projection_name = $1
  AND fields @> $2::jsonb
ORDER BY aggregate_id
LIMIT $3;
`
)

// Get implements projection.RecordStore.
func (s *RecordStore) Get(ctx context.Context, name, aggregateID string) (projection.Record, error) {
	if s.pool == nil {
		return projection.Record{}, fmt.Errorf("projection store: nil pool")
	}
	rec := projection.Record{ProjectionName: name, AggregateID: aggregateID}
	var fields []byte
	err := s.pool.QueryRow(ctx, getRecordSQL, name, aggregateID).
		Scan(&fields, &rec.IncorporatedVersion, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return projection.Record{}, errs.New("projection/get", errs.CodeNotFound,
			errs.WithAggregate(aggregateID),
			errs.WithMessage(fmt.Sprintf("no %q record for aggregate", name)))
	}
	if err != nil {
		return projection.Record{}, fmt.Errorf("projection store: get record: %w", err)
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return projection.Record{}, fmt.Errorf("projection store: decode fields: %w", err)
	}
	return rec, nil
}

// Apply implements projection.RecordStore.
func (s *RecordStore) Apply(ctx context.Context, name, aggregateID string, fields map[string]any, seq int64) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("projection store: nil pool")
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return false, fmt.Errorf("projection store: encode fields: %w", err)
	}
	tag, err := s.pool.Exec(ctx, applyRecordSQL, name, aggregateID, encoded, seq)
	if err != nil {
		return false, fmt.Errorf("projection store: apply record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Merge implements projection.RecordStore.
func (s *RecordStore) Merge(ctx context.Context, name, aggregateID string, fields map[string]any, seq int64) error {
	if s.pool == nil {
		return fmt.Errorf("projection store: nil pool")
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("projection store: encode fields: %w", err)
	}
	if _, err := s.pool.Exec(ctx, mergeRecordSQL, name, aggregateID, encoded, seq); err != nil {
		return fmt.Errorf("projection store: merge record: %w", err)
	}
	return nil
}

// Truncate implements projection.RecordStore.
func (s *RecordStore) Truncate(ctx context.Context, name string) error {
	if s.pool == nil {
		return fmt.Errorf("projection store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, truncateRecordsSQL, name); err != nil {
		return fmt.Errorf("projection store: truncate: %w", err)
	}
	return nil
}

// Find implements projection.RecordStore using jsonb containment, so the
// criteria map matches top-level field equality.
func (s *RecordStore) Find(ctx context.Context, name string, criteria map[string]any, limit int) ([]projection.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("projection store: nil pool")
	}
	if limit <= 0 {
		limit = 100
	}
	if criteria == nil {
		criteria = map[string]any{}
	}
	encoded, err := json.Marshal(criteria)
	if err != nil {
		return nil, fmt.Errorf("projection store: encode criteria: %w", err)
	}
	rows, err := s.pool.Query(ctx, findRecordsSQL, name, encoded, limit)
	if err != nil {
		return nil, fmt.Errorf("projection store: find: %w", err)
	}
	defer rows.Close()

	var out []projection.Record
	for rows.Next() {
		rec := projection.Record{ProjectionName: name}
		var fields []byte
		if err := rows.Scan(&rec.AggregateID, &fields, &rec.IncorporatedVersion, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("projection store: scan record: %w", err)
		}
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("projection store: decode fields: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("projection store: iterate records: %w", err)
	}
	return out, nil
}

// CheckpointStore implements projection.CheckpointStore on the
// projection_checkpoints table.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore constructs a CheckpointStore backed by the provided pool.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

const (
	getCheckpointSQL = `
SELECT rules_hash, rule_hashes, pending_hash, catchup_done, catchup_seq,
       last_global_seq, last_event_id, last_occurred_at, updated_at
FROM projection_checkpoints
WHERE projection_name = $1;
`

	putCheckpointSQL = `
INSERT INTO projection_checkpoints (
    projection_name, rules_hash, rule_hashes, pending_hash, catchup_done,
    catchup_seq, last_global_seq, last_event_id, last_occurred_at, updated_at
)
VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9, NOW())
ON CONFLICT (projection_name) DO UPDATE
SET rules_hash      = EXCLUDED.rules_hash,
    rule_hashes     = EXCLUDED.rule_hashes,
    pending_hash    = EXCLUDED.pending_hash,
    catchup_done    = EXCLUDED.catchup_done,
    catchup_seq     = EXCLUDED.catchup_seq,
    last_global_seq = EXCLUDED.last_global_seq,
    last_event_id   = EXCLUDED.last_event_id,
    last_occurred_at = EXCLUDED.last_occurred_at,
    updated_at      = NOW();
`
)

// Get implements projection.CheckpointStore.
func (s *CheckpointStore) Get(ctx context.Context, name string) (projection.Checkpoint, error) {
	if s.pool == nil {
		return projection.Checkpoint{}, fmt.Errorf("projection store: nil pool")
	}
	cp := projection.Checkpoint{ProjectionName: name}
	var (
		ruleHashes []byte
		eventID    pgtype.Text
		occurredAt pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, getCheckpointSQL, name).Scan(
		&cp.RulesHash, &ruleHashes, &cp.PendingHash, &cp.CatchupDone,
		&cp.CatchupSeq, &cp.LastGlobalSeq, &eventID, &occurredAt, &cp.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return projection.Checkpoint{}, errs.New("projection/checkpoint", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("no checkpoint for read model %q", name)))
	}
	if err != nil {
		return projection.Checkpoint{}, fmt.Errorf("projection store: get checkpoint: %w", err)
	}
	if len(ruleHashes) > 0 {
		if err := json.Unmarshal(ruleHashes, &cp.RuleHashes); err != nil {
			return projection.Checkpoint{}, fmt.Errorf("projection store: decode rule hashes: %w", err)
		}
	}
	if eventID.Valid {
		cp.LastEventID = eventID.String
	}
	if occurredAt.Valid {
		cp.LastOccurredAt = occurredAt.Time
	}
	return cp, nil
}

// Put implements projection.CheckpointStore.
func (s *CheckpointStore) Put(ctx context.Context, cp projection.Checkpoint) error {
	if s.pool == nil {
		return fmt.Errorf("projection store: nil pool")
	}
	ruleHashes, err := json.Marshal(cp.RuleHashes)
	if err != nil {
		return fmt.Errorf("projection store: encode rule hashes: %w", err)
	}
	var eventID *string
	if cp.LastEventID != "" {
		eventID = &cp.LastEventID
	}
	var occurredAt any
	if !cp.LastOccurredAt.IsZero() {
		occurredAt = cp.LastOccurredAt
	}
	_, err = s.pool.Exec(ctx, putCheckpointSQL,
		cp.ProjectionName, cp.RulesHash, ruleHashes, cp.PendingHash, cp.CatchupDone,
		cp.CatchupSeq, cp.LastGlobalSeq, eventID, occurredAt)
	if err != nil {
		return fmt.Errorf("projection store: put checkpoint: %w", err)
	}
	return nil
}

var (
	_ projection.RecordStore     = (*RecordStore)(nil)
	_ projection.CheckpointStore = (*CheckpointStore)(nil)
)
