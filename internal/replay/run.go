// Package replay orchestrates full read-model rebuilds over event history.
package replay

import (
	"context"
	"time"
)

// State is the lifecycle phase of a replay run.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// TargetKind names what a run rebuilds. Only projections today; the kind is
// recorded so the single-flight rule stays per target, not global.
type TargetKind string

const TargetProjection TargetKind = "projection"

// Run is one replay execution. Counters are updated per batch, so a run is
// observable while in flight and resumable for diagnostics after a failure.
type Run struct {
	ID         string
	TargetKind TargetKind
	TargetName string
	From       time.Time
	To         time.Time
	BatchSize  int

	State           State
	TotalEvents     int64
	ProcessedEvents int64
	LastGlobalSeq   int64
	LastEventID     string
	Error           string

	StartedAt  time.Time
	FinishedAt time.Time
}

// RunStore persists replay runs and enforces the single-flight rule: at most
// one running run per (target kind, target name). Begin fails with
// errs.CodeReplayInProgress when a run is already active for the target.
type RunStore interface {
	Begin(ctx context.Context, run Run) error
	Save(ctx context.Context, run Run) error
	Get(ctx context.Context, id string) (Run, error)
	// List returns the most recent runs, newest first.
	List(ctx context.Context, limit int) ([]Run, error)
}
