package snapshotstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventfold/eventfold/core/aggregate"
	"github.com/eventfold/eventfold/errs"
)

// PostgresStore persists snapshots in the snapshots table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore backed by the provided pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const (
	saveSnapshotSQL = `
INSERT INTO snapshots (aggregate_id, sequence, state, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (aggregate_id, sequence)
DO UPDATE SET state = EXCLUDED.state, created_at = EXCLUDED.created_at;
`

	latestSnapshotSQL = `
SELECT aggregate_id, sequence, state, created_at
FROM snapshots
WHERE aggregate_id = $1
  AND ($2::bigint = 0 OR sequence <= $2)
ORDER BY sequence DESC
LIMIT 1;
`

	pruneSnapshotSQL = `
DELETE FROM snapshots
WHERE aggregate_id = $1
  AND sequence < $2;
`
)

// Save implements aggregate.SnapshotStore.
func (s *PostgresStore) Save(ctx context.Context, snap aggregate.Snapshot) error {
	if s.pool == nil {
		return fmt.Errorf("snapshot store: nil pool")
	}
	aggregateID := strings.TrimSpace(snap.AggregateID)
	if aggregateID == "" || snap.Sequence < 1 {
		return errs.New("snapshotstore/save", errs.CodeInvalid,
			errs.WithMessage("aggregate id and positive sequence required"))
	}
	if _, err := s.pool.Exec(ctx, saveSnapshotSQL, aggregateID, snap.Sequence, snap.State, snap.CreatedAt); err != nil {
		return fmt.Errorf("snapshot store: save: %w", err)
	}
	return nil
}

// Latest implements aggregate.SnapshotStore.
func (s *PostgresStore) Latest(ctx context.Context, aggregateID string, maxSeq int64) (aggregate.Snapshot, error) {
	if s.pool == nil {
		return aggregate.Snapshot{}, fmt.Errorf("snapshot store: nil pool")
	}
	var snap aggregate.Snapshot
	err := s.pool.QueryRow(ctx, latestSnapshotSQL, aggregateID, maxSeq).Scan(
		&snap.AggregateID, &snap.Sequence, &snap.State, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return aggregate.Snapshot{}, errs.New("snapshotstore/latest", errs.CodeNotFound,
			errs.WithAggregate(aggregateID), errs.WithMessage("no snapshot"))
	}
	if err != nil {
		return aggregate.Snapshot{}, fmt.Errorf("snapshot store: latest: %w", err)
	}
	return snap, nil
}

// Prune implements aggregate.SnapshotStore.
func (s *PostgresStore) Prune(ctx context.Context, aggregateID string, keepSeq int64) error {
	if s.pool == nil {
		return fmt.Errorf("snapshot store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, pruneSnapshotSQL, aggregateID, keepSeq); err != nil {
		return fmt.Errorf("snapshot store: prune: %w", err)
	}
	return nil
}

var _ aggregate.SnapshotStore = (*PostgresStore)(nil)
