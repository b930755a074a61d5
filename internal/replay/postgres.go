package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventfold/eventfold/errs"
)

const uniqueViolation = "23505"

// PostgresRunStore persists replay runs in the replay_runs table. The
// partial unique index on (target_kind, target_name) WHERE state='running'
// makes the single-flight rule hold across processes.
type PostgresRunStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRunStore constructs a run store backed by the provided pool.
func NewPostgresRunStore(pool *pgxpool.Pool) *PostgresRunStore {
	return &PostgresRunStore{pool: pool}
}

const (
	beginRunSQL = `
INSERT INTO replay_runs (
    id, target_kind, target_name, scan_from, scan_to, batch_size,
    state, total_events, processed_events, last_global_seq, last_event_id,
    error, started_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
`

	saveRunSQL = `
UPDATE replay_runs
SET state            = $2,
    processed_events = $3,
    last_global_seq  = $4,
    last_event_id    = $5,
    error            = $6,
    finished_at      = $7
WHERE id = $1;
`

	getRunSQL = `
SELECT id, target_kind, target_name, scan_from, scan_to, batch_size,
       state, total_events, processed_events, last_global_seq, last_event_id,
       error, started_at, finished_at
FROM replay_runs
WHERE id = $1;
`

	listRunsSQL = `
SELECT id, target_kind, target_name, scan_from, scan_to, batch_size,
       state, total_events, processed_events, last_global_seq, last_event_id,
       error, started_at, finished_at
FROM replay_runs
ORDER BY started_at DESC
LIMIT $1;
`
)

// Begin implements RunStore.
func (s *PostgresRunStore) Begin(ctx context.Context, run Run) error {
	if s.pool == nil {
		return fmt.Errorf("run store: nil pool")
	}
	_, err := s.pool.Exec(ctx, beginRunSQL,
		run.ID, string(run.TargetKind), run.TargetName,
		nullableTime(run.From), nullableTime(run.To), run.BatchSize,
		string(run.State), run.TotalEvents, run.ProcessedEvents,
		run.LastGlobalSeq, nullableStr(run.LastEventID), nullableStr(run.Error),
		run.StartedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errs.New("replay/begin", errs.CodeReplayInProgress,
				errs.WithMessage(fmt.Sprintf("replay already running for %s %q",
					run.TargetKind, run.TargetName)))
		}
		return fmt.Errorf("run store: begin run: %w", err)
	}
	return nil
}

// Save implements RunStore.
func (s *PostgresRunStore) Save(ctx context.Context, run Run) error {
	if s.pool == nil {
		return fmt.Errorf("run store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, saveRunSQL,
		run.ID, string(run.State), run.ProcessedEvents, run.LastGlobalSeq,
		nullableStr(run.LastEventID), nullableStr(run.Error), nullableTime(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("run store: save run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("replay/save", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("replay run %s not found", run.ID)))
	}
	return nil
}

// Get implements RunStore.
func (s *PostgresRunStore) Get(ctx context.Context, id string) (Run, error) {
	if s.pool == nil {
		return Run{}, fmt.Errorf("run store: nil pool")
	}
	run, err := scanRun(s.pool.QueryRow(ctx, getRunSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, errs.New("replay/get", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("replay run %s not found", id)))
	}
	if err != nil {
		return Run{}, fmt.Errorf("run store: get run: %w", err)
	}
	return run, nil
}

// List implements RunStore.
func (s *PostgresRunStore) List(ctx context.Context, limit int) ([]Run, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("run store: nil pool")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, listRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("run store: list runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("run store: scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run store: iterate runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (Run, error) {
	var (
		run        Run
		kind       string
		state      string
		scanFrom   pgtype.Timestamptz
		scanTo     pgtype.Timestamptz
		eventID    pgtype.Text
		runErr     pgtype.Text
		finishedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&run.ID, &kind, &run.TargetName, &scanFrom, &scanTo, &run.BatchSize,
		&state, &run.TotalEvents, &run.ProcessedEvents, &run.LastGlobalSeq,
		&eventID, &runErr, &run.StartedAt, &finishedAt,
	)
	if err != nil {
		return Run{}, err
	}
	run.TargetKind = TargetKind(kind)
	run.State = State(state)
	if scanFrom.Valid {
		run.From = scanFrom.Time
	}
	if scanTo.Valid {
		run.To = scanTo.Time
	}
	if eventID.Valid {
		run.LastEventID = eventID.String
	}
	if runErr.Valid {
		run.Error = runErr.String
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return run, nil
}

func nullableStr(s string) *string {
	if s == "" {
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

var _ RunStore = (*PostgresRunStore)(nil)
