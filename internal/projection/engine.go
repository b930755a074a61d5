package projection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/core/schema"
	"github.com/eventfold/eventfold/errs"
	"github.com/eventfold/eventfold/internal/bus/eventbus"
	"github.com/eventfold/eventfold/internal/eventstore"
	"github.com/eventfold/eventfold/internal/observability"
	"github.com/eventfold/eventfold/internal/telemetry"
)

// Config tunes the projection engine.
type Config struct {
	// BatchSize bounds catchup and rebuild scan pages.
	BatchSize int
	// CatchupBatchesPerSecond throttles catchup scans; 0 disables throttling.
	CatchupBatchesPerSecond float64
}

func (c Config) normalize() Config {
	c.BatchSize = eventstore.ClampScanLimit(c.BatchSize)
	return c
}

// Engine is the read model manager. It owns every projection-record write:
// the real-time path applies full rules under the incorporated-version guard,
// and the catchup path backfills changed rules over history in batches.
type Engine struct {
	cfg         Config
	log         eventstore.Store
	records     RecordStore
	checkpoints CheckpointStore
	bus         eventbus.Bus
	upgrader    *schema.Upgrader
	limiter     *rate.Limiter
	metrics     *telemetry.Metrics

	mu     sync.Mutex
	models map[string]*modelState
	subs   []eventbus.SubscriptionID
	wg     sync.WaitGroup
}

type modelState struct {
	model ReadModel
	rules *ruleSet

	live       atomic.Bool
	lastGlobal atomic.Int64
	processed  atomic.Int64
	skipped    atomic.Int64
	failures   atomic.Int64
}

// ModelStats is a point-in-time view of one read model's progress.
type ModelStats struct {
	Name          string
	Live          bool
	LastGlobalSeq int64
	Processed     int64
	Skipped       int64
	Failures      int64
	Lag           int64
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithUpgrader routes events through the schema upgrade chain before rules run.
func WithUpgrader(u *schema.Upgrader) EngineOption {
	return func(e *Engine) { e.upgrader = u }
}

// WithMetrics records catchup and rebuild batch durations on the instruments.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine constructs a projection engine over the stores and bus.
func NewEngine(log eventstore.Store, records RecordStore, checkpoints CheckpointStore, bus eventbus.Bus, cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:         cfg.normalize(),
		log:         log,
		records:     records,
		checkpoints: checkpoints,
		bus:         bus,
		models:      make(map[string]*modelState),
	}
	if cfg.CatchupBatchesPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.CatchupBatchesPerSecond), 1)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Register declares a read model. Must be called before Start.
func (e *Engine) Register(model ReadModel) error {
	if err := model.Validate(); err != nil {
		return err
	}
	rules, err := compileModel(model)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.models[model.Name]; dup {
		return errs.New("projection/register", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("read model %q already registered", model.Name)))
	}
	e.models[model.Name] = &modelState{model: model, rules: rules}
	return nil
}

// Start brings every registered model online: catchup where the declared
// rules differ from the last run, then live subscription. Catchup and the
// live path are mutually exclusive per model; the live subscription begins
// only once the model's backfill has completed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	states := make([]*modelState, 0, len(e.models))
	for _, ms := range e.models {
		states = append(states, ms)
	}
	e.mu.Unlock()

	for _, ms := range states {
		ms := ms
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.bringOnline(ctx, ms); err != nil {
				observability.Log().Error("read model failed to come online",
					observability.Field{Key: "projection", Value: ms.model.Name},
					observability.Field{Key: "error", Value: err.Error()})
			}
		}()
	}
	return nil
}

// Wait blocks until every model's startup path has finished.
func (e *Engine) Wait() { e.wg.Wait() }

// Close tears down the live subscriptions.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.subs {
		e.bus.Unsubscribe(id)
	}
	e.subs = nil
}

func (e *Engine) bringOnline(ctx context.Context, ms *modelState) error {
	if err := e.runCatchup(ctx, ms); err != nil {
		return err
	}

	id, err := e.bus.Subscribe("projection/"+ms.model.Name, ms.model.EventTypes(), func(ctx context.Context, evt event.Event) error {
		return e.applyLive(ctx, ms, evt)
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.subs = append(e.subs, id)
	e.mu.Unlock()

	// Events appended between the catchup horizon and the subscription are in
	// the log but were never delivered; fold the tail in before going live.
	// Overlap with the live path is safe under the version guard.
	if err := e.replayTail(ctx, ms); err != nil {
		return err
	}
	ms.live.Store(true)
	observability.Log().Info("read model live",
		observability.Field{Key: "projection", Value: ms.model.Name},
		observability.Field{Key: "last_global_seq", Value: ms.lastGlobal.Load()})
	return nil
}

// applyLive is the real-time path: evaluate full rules, persist under the
// strict incorporated-version guard. A rule failure is isolated to the event
// and logged with enough context to replay later.
func (e *Engine) applyLive(ctx context.Context, ms *modelState, evt event.Event) error {
	fields, ok := ms.rules.byEvent[evt.Type]
	if !ok {
		return nil
	}
	if e.upgrader != nil {
		upgraded, err := e.upgrader.Upgrade(evt)
		if err != nil {
			return err
		}
		evt = upgraded
	}
	updates, err := ms.rules.evaluate(evt, fields)
	if err != nil {
		ms.failures.Add(1)
		observability.Log().Error("projection update failed",
			observability.Field{Key: "projection", Value: ms.model.Name},
			observability.Field{Key: "event_id", Value: evt.ID},
			observability.Field{Key: "aggregate_id", Value: evt.AggregateID},
			observability.Field{Key: "error", Value: err.Error()})
		return nil
	}
	applied, err := e.records.Apply(ctx, ms.model.Name, evt.AggregateID, updates, evt.Sequence)
	if err != nil {
		return err
	}
	if applied {
		ms.processed.Add(1)
	} else {
		ms.skipped.Add(1)
	}
	if evt.GlobalSeq > 0 {
		storeMax(&ms.lastGlobal, evt.GlobalSeq)
	}
	return nil
}

// Stats reports per-model progress; Lag is the distance between the log's
// newest global position and the model's last seen one.
func (e *Engine) Stats(ctx context.Context) ([]ModelStats, error) {
	latest, err := e.log.LatestGlobalSeq(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ModelStats, 0, len(e.models))
	for _, ms := range e.models {
		last := ms.lastGlobal.Load()
		lag := latest - last
		if lag < 0 {
			lag = 0
		}
		out = append(out, ModelStats{
			Name:          ms.model.Name,
			Live:          ms.live.Load(),
			LastGlobalSeq: last,
			Processed:     ms.processed.Load(),
			Skipped:       ms.skipped.Load(),
			Failures:      ms.failures.Load(),
			Lag:           lag,
		})
	}
	return out, nil
}

// ModelEventTypes returns the event types a registered model consumes.
func (e *Engine) ModelEventTypes(name string) ([]string, error) {
	ms, err := e.state(name)
	if err != nil {
		return nil, err
	}
	return ms.model.EventTypes(), nil
}

func (e *Engine) state(name string) (*modelState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms, ok := e.models[name]
	if !ok {
		return nil, errs.New("projection/lookup", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("read model %q not registered", name)))
	}
	return ms, nil
}

func storeMax(target *atomic.Int64, value int64) {
	for {
		current := target.Load()
		if value <= current || target.CompareAndSwap(current, value) {
			return
		}
	}
}

func (e *Engine) waitThrottle(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("catchup throttle: %w", err)
	}
	return nil
}

// touch refreshes checkpoint bookkeeping fields from the last scanned event.
// The backfill cursor advances; the tail start position does not.
func touch(cp *Checkpoint, evt event.Event) {
	cp.CatchupSeq = evt.GlobalSeq
	cp.LastEventID = evt.ID
	cp.LastOccurredAt = evt.OccurredAt
	cp.UpdatedAt = time.Now().UTC()
}
