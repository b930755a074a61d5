// Package postgres implements the event log on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
	"github.com/eventfold/eventfold/internal/eventstore"
)

const uniqueViolation = "23505"

// Store persists domain events in the events table. The unique index on
// (aggregate_id, sequence) is the serialization point for concurrent
// appenders; the outbox row written in the same transaction decouples
// delivery from durability.
type Store struct {
	pool       *pgxpool.Pool
	withOutbox bool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, withOutbox: true}
}

// NewStoreWithoutOutbox constructs a Store that skips outbox rows, for
// deployments publishing through a different channel.
func NewStoreWithoutOutbox(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const (
	currentSeqSQL = `
SELECT COALESCE(MAX(sequence), 0)
FROM events
WHERE aggregate_id = $1;
`

	insertEventSQL = `
INSERT INTO events (
    id,
    aggregate_id,
    aggregate_type,
    sequence,
    event_type,
    schema_version,
    payload,
    correlation_id,
    causation_id,
    occurred_at
)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::jsonb, '{}'::jsonb), $8, $9, $10)
RETURNING global_seq;
`

	insertOutboxSQL = `
INSERT INTO events_outbox (event_id, event_type, payload, available_at)
VALUES ($1, $2, $3, $4);
`

	readSQL = `
SELECT id, aggregate_id, aggregate_type, sequence, event_type, schema_version,
       payload, correlation_id, causation_id, occurred_at, global_seq
FROM events
WHERE aggregate_id = $1
  AND sequence >= $2
  AND ($3::bigint = 0 OR sequence <= $3)
ORDER BY sequence ASC;
`

	readByTypeSQL = `
SELECT id, aggregate_id, aggregate_type, sequence, event_type, schema_version,
       payload, correlation_id, causation_id, occurred_at, global_seq
FROM events
WHERE event_type = ANY($1)
  AND global_seq > $2
  AND ($3::timestamptz IS NULL OR occurred_at >= $3)
  AND ($4::timestamptz IS NULL OR occurred_at <= $4)
ORDER BY global_seq ASC
LIMIT $5;
`

	latestGlobalSeqSQL = `
SELECT COALESCE(MAX(global_seq), 0) FROM events;
`

	countByTypesSQL = `
SELECT COUNT(*)
FROM events
WHERE event_type = ANY($1)
  AND ($2::timestamptz IS NULL OR occurred_at >= $2)
  AND ($3::timestamptz IS NULL OR occurred_at <= $3);
`

	countByAggregateTypeSQL = `
SELECT aggregate_type, COUNT(*) FROM events GROUP BY aggregate_type;
`
)

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, aggregateID, aggregateType string, expectedSeq int64, events []event.Event) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("event store: nil pool")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return 0, errs.New("eventstore/append", errs.CodeInvalid, errs.WithMessage("aggregate id required"))
	}
	if len(events) == 0 {
		return 0, errs.New("eventstore/append", errs.CodeInvalid, errs.WithMessage("at least one event required"))
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("event store: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var actual int64
	if err := tx.QueryRow(ctx, currentSeqSQL, aggregateID).Scan(&actual); err != nil {
		return 0, fmt.Errorf("event store: current sequence: %w", err)
	}
	if actual != expectedSeq {
		return 0, errs.Conflict("eventstore/append", expectedSeq, actual)
	}

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

		var globalSeq int64
		err := tx.QueryRow(ctx, insertEventSQL,
			evt.ID, evt.AggregateID, evt.AggregateType, evt.Sequence, evt.Type,
			evt.SchemaVersion, []byte(evt.Payload), nullable(evt.CorrelationID),
			nullable(evt.CausationID), evt.OccurredAt,
		).Scan(&globalSeq)
		if err != nil {
			// A concurrent writer that passed the same sequence check loses
			// here on the unique (aggregate_id, sequence) index.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return 0, errs.Conflict("eventstore/append", expectedSeq, s.currentSeq(ctx, aggregateID))
			}
			return 0, fmt.Errorf("event store: insert event: %w", err)
		}
		evt.GlobalSeq = globalSeq

		if s.withOutbox {
			envelope, err := json.Marshal(evt)
			if err != nil {
				return 0, fmt.Errorf("event store: encode outbox envelope: %w", err)
			}
			if _, err := tx.Exec(ctx, insertOutboxSQL, evt.ID, evt.Type, envelope, evt.OccurredAt); err != nil {
				return 0, fmt.Errorf("event store: insert outbox row: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("event store: commit append: %w", err)
	}
	return expectedSeq + int64(len(events)), nil
}

func (s *Store) currentSeq(ctx context.Context, aggregateID string) int64 {
	var seq int64
	if err := s.pool.QueryRow(ctx, currentSeqSQL, aggregateID).Scan(&seq); err != nil {
		return -1
	}
	return seq
}

// Read implements eventstore.Store.
func (s *Store) Read(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]event.Event, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("event store: nil pool")
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	rows, err := s.pool.Query(ctx, readSQL, aggregateID, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("event store: read: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadByType implements eventstore.Store.
func (s *Store) ReadByType(ctx context.Context, eventTypes []string, from, to time.Time, afterGlobalSeq int64, limit int) ([]event.Event, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("event store: nil pool")
	}
	limit = eventstore.ClampScanLimit(limit)
	rows, err := s.pool.Query(ctx, readByTypeSQL,
		eventTypes, afterGlobalSeq, nullableTime(from), nullableTime(to), limit)
	if err != nil {
		return nil, fmt.Errorf("event store: read by type: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountByTypes implements eventstore.Store.
func (s *Store) CountByTypes(ctx context.Context, eventTypes []string, from, to time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("event store: nil pool")
	}
	var count int64
	if err := s.pool.QueryRow(ctx, countByTypesSQL, eventTypes, nullableTime(from), nullableTime(to)).Scan(&count); err != nil {
		return 0, fmt.Errorf("event store: count by types: %w", err)
	}
	return count, nil
}

// LatestGlobalSeq implements eventstore.Store.
func (s *Store) LatestGlobalSeq(ctx context.Context) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("event store: nil pool")
	}
	var seq int64
	if err := s.pool.QueryRow(ctx, latestGlobalSeqSQL).Scan(&seq); err != nil {
		return 0, fmt.Errorf("event store: latest global seq: %w", err)
	}
	return seq, nil
}

// CountByAggregateType implements eventstore.Store.
func (s *Store) CountByAggregateType(ctx context.Context) (map[string]int64, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("event store: nil pool")
	}
	rows, err := s.pool.Query(ctx, countByAggregateTypeSQL)
	if err != nil {
		return nil, fmt.Errorf("event store: count by aggregate type: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var aggregateType string
		var count int64
		if err := rows.Scan(&aggregateType, &count); err != nil {
			return nil, fmt.Errorf("event store: scan count: %w", err)
		}
		counts[aggregateType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event store: iterate counts: %w", err)
	}
	return counts, nil
}

func scanEvents(rows pgx.Rows) ([]event.Event, error) {
	var out []event.Event
	for rows.Next() {
		var (
			evt           event.Event
			payload       []byte
			correlationID pgtype.Text
			causationID   pgtype.Text
		)
		if err := rows.Scan(
			&evt.ID, &evt.AggregateID, &evt.AggregateType, &evt.Sequence, &evt.Type,
			&evt.SchemaVersion, &payload, &correlationID, &causationID,
			&evt.OccurredAt, &evt.GlobalSeq,
		); err != nil {
			return nil, fmt.Errorf("event store: scan event: %w", err)
		}
		evt.Payload = json.RawMessage(payload)
		if correlationID.Valid {
			evt.CorrelationID = correlationID.String
		}
		if causationID.Valid {
			evt.CausationID = causationID.String
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event store: iterate events: %w", err)
	}
	return out, nil
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ eventstore.Store = (*Store)(nil)
