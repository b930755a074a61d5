package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventfold/eventfold/internal/eventstore"
	"github.com/eventfold/eventfold/internal/observability"
	"github.com/eventfold/eventfold/internal/projection"
	"github.com/eventfold/eventfold/lib/async"
)

// Concurrency bounds for in-flight rebuilds. Replays are heavy scans; more
// than a few at once just thrashes the log.
const (
	runWorkers = 4
	runQueue   = 8
)

// Rebuilder is the slice of the projection engine the orchestrator drives.
type Rebuilder interface {
	ModelEventTypes(name string) ([]string, error)
	Rebuild(ctx context.Context, name string, from, to time.Time, batchSize int, onBatch func(projection.RebuildBatch)) error
}

// Request describes a replay to start.
type Request struct {
	TargetName string
	// From and To bound the scan by event occurrence time; zero means open.
	From time.Time
	To   time.Time
	// BatchSize bounds each scan page; 0 uses the engine default.
	BatchSize int
}

// Orchestrator starts, tracks, and cancels replay runs. State and counters
// live in the RunStore, so a run remains inspectable after the process that
// drove it is gone.
type Orchestrator struct {
	log     eventstore.Store
	runs    RunStore
	builder Rebuilder
	pool    *async.Pool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator constructs an orchestrator over the run store and engine.
func NewOrchestrator(log eventstore.Store, runs RunStore, builder Rebuilder) *Orchestrator {
	pool, err := async.NewPool(runWorkers, runQueue)
	if err != nil {
		// Only reachable with a non-positive worker constant.
		panic(err)
	}
	return &Orchestrator{
		log:     log,
		runs:    runs,
		builder: builder,
		pool:    pool,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches a rebuild of the named read model and returns the run in
// its initial running state. A second start for the same target while one is
// active fails with errs.CodeReplayInProgress.
func (o *Orchestrator) Start(ctx context.Context, req Request) (Run, error) {
	types, err := o.builder.ModelEventTypes(req.TargetName)
	if err != nil {
		return Run{}, err
	}
	total, err := o.log.CountByTypes(ctx, types, req.From, req.To)
	if err != nil {
		return Run{}, err
	}

	run := Run{
		ID:          uuid.NewString(),
		TargetKind:  TargetProjection,
		TargetName:  req.TargetName,
		From:        req.From,
		To:          req.To,
		BatchSize:   req.BatchSize,
		State:       StateRunning,
		TotalEvents: total,
		StartedAt:   time.Now().UTC(),
	}
	if err := o.runs.Begin(ctx, run); err != nil {
		return Run{}, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.cancels[run.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	if err := o.pool.Submit(runCtx, func(context.Context) error {
		o.execute(runCtx, run)
		return nil
	}); err != nil {
		o.wg.Done()
		o.mu.Lock()
		delete(o.cancels, run.ID)
		o.mu.Unlock()
		cancel()
		run.State = StateFailed
		run.Error = "replay executor saturated"
		run.FinishedAt = time.Now().UTC()
		_ = o.runs.Save(ctx, run)
		return Run{}, err
	}

	observability.Log().Info("replay started",
		observability.Field{Key: "run_id", Value: run.ID},
		observability.Field{Key: "target", Value: run.TargetName},
		observability.Field{Key: "total_events", Value: run.TotalEvents})
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, run Run) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, run.ID)
		o.mu.Unlock()
	}()

	var mu sync.Mutex
	err := o.builder.Rebuild(ctx, run.TargetName, run.From, run.To, run.BatchSize, func(batch projection.RebuildBatch) {
		mu.Lock()
		run.ProcessedEvents += int64(batch.Processed)
		run.LastGlobalSeq = batch.LastGlobalSeq
		run.LastEventID = batch.LastEventID
		snapshot := run
		mu.Unlock()
		// Persist progress per batch; a failure here is not fatal to the run.
		if saveErr := o.runs.Save(ctx, snapshot); saveErr != nil {
			observability.Log().Warn("replay progress save failed",
				observability.Field{Key: "run_id", Value: run.ID},
				observability.Field{Key: "error", Value: saveErr.Error()})
		}
	})

	run.FinishedAt = time.Now().UTC()
	switch {
	case err == nil:
		run.State = StateCompleted
	case errors.Is(err, context.Canceled):
		run.State = StateCancelled
		run.Error = "cancelled by operator"
	default:
		run.State = StateFailed
		run.Error = err.Error()
	}

	// The final save must not be lost to the cancelled context.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if saveErr := o.runs.Save(saveCtx, run); saveErr != nil {
		observability.Log().Error("replay final state save failed",
			observability.Field{Key: "run_id", Value: run.ID},
			observability.Field{Key: "error", Value: saveErr.Error()})
	}
	observability.Log().Info("replay finished",
		observability.Field{Key: "run_id", Value: run.ID},
		observability.Field{Key: "state", Value: string(run.State)},
		observability.Field{Key: "processed", Value: run.ProcessedEvents})
}

// Cancel requests cooperative cancellation; the run stops at the next batch
// boundary. Cancelling an unknown or finished run reports not_found.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("replay: no active run %s", runID)
	}
	cancel()
	return nil
}

// Status returns the run's current persisted state and counters.
func (o *Orchestrator) Status(ctx context.Context, runID string) (Run, error) {
	return o.runs.Get(ctx, runID)
}

// Recent lists the latest runs, newest first.
func (o *Orchestrator) Recent(ctx context.Context, limit int) ([]Run, error) {
	return o.runs.List(ctx, limit)
}

// Wait blocks until every in-flight run has finished. For shutdown paths.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Close stops the run executor. Pending runs finish; new starts fail.
func (o *Orchestrator) Close() { o.pool.Close() }
