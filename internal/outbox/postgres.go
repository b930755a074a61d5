package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists outbox entries in the events_outbox table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore backed by the provided pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const (
	defaultPendingLimit = 128
	maxPendingLimit     = 1024
)

const (
	listPendingSQL = `
SELECT id, event_id, event_type, payload, available_at, published_at,
       attempts, last_error, delivered, created_at
FROM events_outbox
WHERE delivered = FALSE
  AND available_at <= NOW()
ORDER BY id ASC
LIMIT $1;
`

	markDeliveredSQL = `
UPDATE events_outbox
SET delivered = TRUE,
    published_at = NOW(),
    attempts = attempts + 1
WHERE id = $1;
`

	markFailedSQL = `
UPDATE events_outbox
SET attempts = attempts + 1,
    last_error = $2,
    available_at = $3
WHERE id = $1;
`

	deleteDeliveredSQL = `
DELETE FROM events_outbox
WHERE delivered = TRUE
  AND published_at < $1;
`
)

// ListPending implements Store.
func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	if limit <= 0 {
		limit = defaultPendingLimit
	} else if limit > maxPendingLimit {
		limit = maxPendingLimit
	}
	rows, err := s.pool.Query(ctx, listPendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: list pending: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record      Record
			payload     []byte
			publishedAt pgtype.Timestamptz
			lastError   pgtype.Text
		)
		if err := rows.Scan(
			&record.ID, &record.EventID, &record.EventType, &payload,
			&record.AvailableAt, &publishedAt, &record.Attempts,
			&lastError, &record.Delivered, &record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("outbox store: scan record: %w", err)
		}
		record.Envelope = payload
		if publishedAt.Valid {
			t := publishedAt.Time
			record.PublishedAt = &t
		}
		if lastError.Valid {
			record.LastError = lastError.String
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate pending: %w", err)
	}
	return records, nil
}

// MarkDelivered implements Store.
func (s *PostgresStore) MarkDelivered(ctx context.Context, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, markDeliveredSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark delivered: no rows updated")
	}
	return nil
}

// MarkFailed implements Store.
func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, lastError string, nextAttempt time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, markFailedSQL, id, strings.TrimSpace(lastError), nextAttempt)
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark failed: no rows updated")
	}
	return nil
}

// DeleteDelivered implements Store.
func (s *PostgresStore) DeleteDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, deleteDeliveredSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("outbox store: delete delivered: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ Store = (*PostgresStore)(nil)
