package aggregate

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/core/schema"
	"github.com/eventfold/eventfold/errs"
	"github.com/eventfold/eventfold/internal/observability"
)

// EventLog is the slice of the event store the repository depends on.
type EventLog interface {
	Append(ctx context.Context, aggregateID, aggregateType string, expectedSeq int64, events []event.Event) (int64, error)
	Read(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]event.Event, error)
}

// Snapshot is a serialized aggregate state at a known sequence. Discarding a
// snapshot and replaying from the start is always safe.
type Snapshot struct {
	AggregateID string
	Sequence    int64
	State       []byte
	CreatedAt   time.Time
}

// SnapshotStore persists aggregate snapshots keyed by identity and sequence.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	// Latest returns the newest snapshot with Sequence <= maxSeq; maxSeq of 0
	// means no upper bound. A not_found error means replay starts from 1.
	Latest(ctx context.Context, aggregateID string, maxSeq int64) (Snapshot, error)
	// Prune removes snapshots older than keepSeq for the aggregate.
	Prune(ctx context.Context, aggregateID string, keepSeq int64) error
}

// DefaultSnapshotEvery is the snapshot cadence: one snapshot per this many
// events, keeping only the latest per aggregate.
const DefaultSnapshotEvery = 100

// Repository loads aggregates by folding their event history and appends new
// events under the optimistic concurrency guard.
type Repository struct {
	log           EventLog
	snapshots     SnapshotStore
	registry      *Registry
	upgrader      *schema.Upgrader
	snapshotEvery int64
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithSnapshots enables snapshot-accelerated loads with the given cadence.
// A cadence of 0 uses DefaultSnapshotEvery.
func WithSnapshots(store SnapshotStore, every int64) RepositoryOption {
	return func(r *Repository) {
		r.snapshots = store
		if every > 0 {
			r.snapshotEvery = every
		}
	}
}

// WithUpgrader routes every read event through the schema upgrade chain
// before it reaches an aggregate handler.
func WithUpgrader(u *schema.Upgrader) RepositoryOption {
	return func(r *Repository) { r.upgrader = u }
}

// NewRepository constructs a repository over the event log and registry.
func NewRepository(log EventLog, registry *Registry, opts ...RepositoryOption) *Repository {
	r := &Repository{
		log:           log,
		registry:      registry,
		snapshotEvery: DefaultSnapshotEvery,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Load reconstructs the aggregate's latest state.
func (r *Repository) Load(ctx context.Context, aggregateType, id string) (Root, error) {
	return r.LoadAt(ctx, aggregateType, id, 0)
}

// LoadAt reconstructs the aggregate as of maxSeq (0 = latest). The newest
// usable snapshot shortcuts replay; remaining events fold on top in ascending
// sequence order.
func (r *Repository) LoadAt(ctx context.Context, aggregateType, id string, maxSeq int64) (Root, error) {
	root, err := r.registry.NewRoot(aggregateType, id)
	if err != nil {
		return nil, err
	}

	fromSeq := int64(1)
	restored := false
	if r.snapshots != nil {
		snap, err := r.snapshots.Latest(ctx, id, maxSeq)
		switch {
		case err == nil:
			if err := json.Unmarshal(snap.State, root); err != nil {
				// A corrupt snapshot is recoverable: fall back to full replay.
				observability.Log().Warn("snapshot decode failed, replaying from start",
					observability.Field{Key: "aggregate_id", Value: id},
					observability.Field{Key: "snapshot_seq", Value: snap.Sequence})
			} else {
				root.setIdentity(id)
				root.setSequence(snap.Sequence)
				fromSeq = snap.Sequence + 1
				restored = true
			}
		case errs.IsNotFound(err):
			// no snapshot yet
		default:
			return nil, err
		}
	}

	events, err := r.log.Read(ctx, id, fromSeq, maxSeq)
	if err != nil {
		return nil, err
	}
	if !restored && len(events) == 0 {
		return nil, errs.New("aggregate/load", errs.CodeNotFound,
			errs.WithAggregate(id), errs.WithMessage("no events recorded"))
	}

	for _, evt := range events {
		if err := r.apply(root, evt); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// Save appends the new events using the sequence captured at load time as the
// concurrency guard, then folds them into the root. On a conflict the caller
// reloads and reapplies business logic; no lock is held in between.
func (r *Repository) Save(ctx context.Context, root Root, newEvents []event.Event) (int64, error) {
	if len(newEvents) == 0 {
		return root.sequence(), nil
	}
	expected := root.sequence()
	for i := range newEvents {
		newEvents[i].AggregateID = root.AggregateID()
		newEvents[i].AggregateType = root.AggregateType()
		newEvents[i].Sequence = expected + int64(i) + 1
		if err := newEvents[i].Validate(); err != nil {
			return 0, err
		}
	}

	newSeq, err := r.log.Append(ctx, root.AggregateID(), root.AggregateType(), expected, newEvents)
	if err != nil {
		return 0, err
	}

	for _, evt := range newEvents {
		if err := r.apply(root, evt); err != nil {
			return 0, err
		}
	}
	r.maybeSnapshot(ctx, root, expected, newSeq)
	return newSeq, nil
}

func (r *Repository) apply(root Root, evt event.Event) error {
	if r.upgrader != nil {
		upgraded, err := r.upgrader.Upgrade(evt)
		if err != nil {
			return err
		}
		evt = upgraded
	}
	handler, ok := r.registry.handler(root.AggregateType(), evt.Type)
	if !ok {
		// Forward-compatible: an older reader skips event types it does not
		// understand instead of failing the load.
		observability.Log().Warn("unknown event type skipped during replay",
			observability.Field{Key: "aggregate_id", Value: evt.AggregateID},
			observability.Field{Key: "event_id", Value: evt.ID},
			observability.Field{Key: "event_type", Value: evt.Type})
		root.setSequence(evt.Sequence)
		return nil
	}
	if err := handler(root, evt); err != nil {
		return errs.New("aggregate/apply", errs.CodeApplyFailed,
			errs.WithAggregate(evt.AggregateID), errs.WithEvent(evt.ID),
			errs.WithMessage("event handler failed for "+evt.Type), errs.WithCause(err))
	}
	root.setSequence(evt.Sequence)
	return nil
}

// maybeSnapshot writes a snapshot when the append crossed a cadence boundary.
// Snapshot failures never fail the save; the log remains the source of truth.
func (r *Repository) maybeSnapshot(ctx context.Context, root Root, oldSeq, newSeq int64) {
	if r.snapshots == nil || r.snapshotEvery <= 0 {
		return
	}
	if newSeq/r.snapshotEvery == oldSeq/r.snapshotEvery {
		return
	}
	state, err := json.Marshal(root)
	if err != nil {
		observability.Log().Error("snapshot encode failed",
			observability.Field{Key: "aggregate_id", Value: root.AggregateID()},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	snap := Snapshot{
		AggregateID: root.AggregateID(),
		Sequence:    newSeq,
		State:       state,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.snapshots.Save(ctx, snap); err != nil {
		observability.Log().Error("snapshot save failed",
			observability.Field{Key: "aggregate_id", Value: root.AggregateID()},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	if err := r.snapshots.Prune(ctx, root.AggregateID(), newSeq); err != nil {
		observability.Log().Warn("snapshot prune failed",
			observability.Field{Key: "aggregate_id", Value: root.AggregateID()},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
