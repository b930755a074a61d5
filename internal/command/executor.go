// Package command runs the write-side load / decide / append cycle.
package command

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/eventfold/eventfold/core/aggregate"
	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
	"github.com/eventfold/eventfold/internal/observability"
	"github.com/eventfold/eventfold/internal/telemetry"
)

// HandlerFunc holds the business decision: given the current aggregate state,
// return the events to append. Handlers must be side-effect free because a
// sequence conflict reruns them against freshly loaded state.
type HandlerFunc func(ctx context.Context, root aggregate.Root) ([]event.Event, error)

// Config tunes the conflict retry budget.
type Config struct {
	MaxAttempts   uint
	RetryInitial  time.Duration
	RetryMaxDelay time.Duration
	// Metrics records load durations and attempt counts; nil disables recording.
	Metrics *telemetry.Metrics
}

func (c Config) normalize() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 25 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 500 * time.Millisecond
	}
	return c
}

// Executor executes commands against aggregates. Sequence conflicts are
// retried by reloading and re-deciding; every other failure surfaces on the
// first attempt.
type Executor struct {
	repo     *aggregate.Repository
	registry *aggregate.Registry
	cfg      Config
}

// NewExecutor constructs an executor over the repository and registry.
func NewExecutor(repo *aggregate.Repository, registry *aggregate.Registry, cfg Config) *Executor {
	return &Executor{repo: repo, registry: registry, cfg: cfg.normalize()}
}

// Execute loads the aggregate (or starts a fresh one when no events exist),
// invokes the handler, and appends the decided events. Returns the new
// current sequence. When the retry budget is exhausted on conflicts the
// caller gets errs.CodeUnavailable with a retry remediation.
func (e *Executor) Execute(ctx context.Context, aggregateType, aggregateID string, handle HandlerFunc) (int64, error) {
	attempt := 0
	op := func() (int64, error) {
		attempt++
		loadStart := time.Now()
		root, err := e.repo.Load(ctx, aggregateType, aggregateID)
		if err == nil {
			e.cfg.Metrics.RecordLoad(ctx, aggregateType, time.Since(loadStart))
		}
		if errs.IsNotFound(err) {
			root, err = e.registry.NewRoot(aggregateType, aggregateID)
		}
		if err != nil {
			return 0, backoff.Permanent(err)
		}

		events, err := handle(ctx, root)
		if err != nil {
			return 0, backoff.Permanent(err)
		}

		seq, err := e.repo.Save(ctx, root, events)
		if err != nil {
			if errs.IsConflict(err) {
				observability.Log().Debug("command conflict, retrying",
					observability.Field{Key: "aggregate_id", Value: aggregateID},
					observability.Field{Key: "attempt", Value: attempt})
				return 0, err
			}
			return 0, backoff.Permanent(err)
		}
		return seq, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryInitial
	bo.MaxInterval = e.cfg.RetryMaxDelay

	seq, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(e.cfg.MaxAttempts))
	if err != nil {
		if errs.IsConflict(err) {
			e.cfg.Metrics.RecordCommand(ctx, aggregateType, "conflict_exhausted", int64(attempt))
			return 0, errs.New("command/execute", errs.CodeUnavailable,
				errs.WithAggregate(aggregateID),
				errs.WithMessage("aggregate is under contention"),
				errs.WithRemediation("please retry the command"),
				errs.WithCause(err))
		}
		e.cfg.Metrics.RecordCommand(ctx, aggregateType, "failed", int64(attempt))
		return 0, err
	}
	e.cfg.Metrics.RecordCommand(ctx, aggregateType, "ok", int64(attempt))
	return seq, nil
}
