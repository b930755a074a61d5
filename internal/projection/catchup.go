package projection

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
	"github.com/eventfold/eventfold/internal/observability"
)

// runCatchup backfills a model whose declared rules differ from the last
// completed run. Only the rules whose per-event-type hash changed are
// re-evaluated, in merge mode: merge writes never regress the incorporated
// version, so a record that is already ahead keeps its newer fields.
func (e *Engine) runCatchup(ctx context.Context, ms *modelState) error {
	fingerprint := ms.model.Fingerprint()
	hashes := ms.model.RuleHashes()

	cp, err := e.checkpoints.Get(ctx, ms.model.Name)
	switch {
	case errs.IsNotFound(err):
		// Brand-new model: every rule counts as changed.
		cp = Checkpoint{ProjectionName: ms.model.Name}
	case err != nil:
		return err
	}

	if cp.RulesHash == fingerprint && cp.CatchupDone {
		ms.lastGlobal.Store(cp.LastGlobalSeq)
		return nil
	}

	start := cp.CatchupSeq
	if cp.PendingHash != fingerprint {
		// Either the first run against this declaration, or the declaration
		// changed again while a previous catchup was in flight. Any partial
		// progress was made toward a different rule set, so start over.
		start = 0
	}
	changed := changedEventTypes(hashes, cp.RuleHashes)
	if len(changed) == 0 {
		// Hash differs but no per-type rule does (a rule was removed). Nothing
		// to backfill; stale fields are left in place until a full rebuild.
		return e.completeCatchup(ctx, ms, cp, fingerprint, hashes, 0)
	}

	horizon, err := e.log.LatestGlobalSeq(ctx)
	if err != nil {
		return err
	}
	observability.Log().Info("catchup starting",
		observability.Field{Key: "projection", Value: ms.model.Name},
		observability.Field{Key: "changed_event_types", Value: changed},
		observability.Field{Key: "from_global_seq", Value: start},
		observability.Field{Key: "horizon", Value: horizon})

	cp.PendingHash = fingerprint
	cp.CatchupDone = false
	cp.CatchupSeq = start

	after := start
	done := false
	for !done && after < horizon {
		if err := e.waitThrottle(ctx); err != nil {
			return err
		}
		batchStart := time.Now()
		page, err := e.log.ReadByType(ctx, changed, time.Time{}, time.Time{}, after, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, evt := range page {
			if evt.GlobalSeq > horizon {
				// Appended after the horizon was captured; the tail replay
				// owns everything past it.
				done = true
				break
			}
			if err := e.mergeOne(ctx, ms, evt); err != nil {
				return err
			}
			after = evt.GlobalSeq
			touch(&cp, evt)
		}
		if err := e.checkpoints.Put(ctx, cp); err != nil {
			return fmt.Errorf("catchup checkpoint: %w", err)
		}
		e.metrics.RecordBatch(ctx, ms.model.Name, "catchup", time.Since(batchStart))
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("catchup cancelled: %w", err)
		}
	}

	// Only a scan that covered every type the model consumes may move the
	// tail start to the horizon. A subset backfill leaves LastGlobalSeq at
	// the pre-downtime position so the tail picks up the other types' events.
	tailSeq := int64(0)
	if len(changed) == len(hashes) {
		tailSeq = horizon
	}
	return e.completeCatchup(ctx, ms, cp, fingerprint, hashes, tailSeq)
}

func (e *Engine) completeCatchup(ctx context.Context, ms *modelState, cp Checkpoint, fingerprint string, hashes map[string]string, tailSeq int64) error {
	cp.ProjectionName = ms.model.Name
	cp.RulesHash = fingerprint
	cp.RuleHashes = hashes
	cp.PendingHash = fingerprint
	cp.CatchupDone = true
	cp.CatchupSeq = 0
	if tailSeq > cp.LastGlobalSeq {
		cp.LastGlobalSeq = tailSeq
	}
	cp.UpdatedAt = time.Now().UTC()
	if err := e.checkpoints.Put(ctx, cp); err != nil {
		return fmt.Errorf("catchup checkpoint: %w", err)
	}
	ms.lastGlobal.Store(cp.LastGlobalSeq)
	observability.Log().Info("catchup complete",
		observability.Field{Key: "projection", Value: ms.model.Name},
		observability.Field{Key: "last_global_seq", Value: cp.LastGlobalSeq})
	return nil
}

// mergeOne evaluates the event's rule and merge-writes the result. Rule
// failures during backfill abort the run; a bad rule should surface at
// catchup time, not be silently skipped across all of history.
func (e *Engine) mergeOne(ctx context.Context, ms *modelState, evt event.Event) error {
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
		return err
	}
	if err := e.records.Merge(ctx, ms.model.Name, evt.AggregateID, updates, evt.Sequence); err != nil {
		return err
	}
	ms.processed.Add(1)
	return nil
}

// replayTail folds in events appended between the catchup horizon and the
// live subscription, under the strict guard shared with the live path.
func (e *Engine) replayTail(ctx context.Context, ms *modelState) error {
	after := ms.lastGlobal.Load()
	types := ms.model.EventTypes()
	for {
		page, err := e.log.ReadByType(ctx, types, time.Time{}, time.Time{}, after, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, evt := range page {
			if err := e.applyLive(ctx, ms, evt); err != nil {
				return err
			}
			after = evt.GlobalSeq
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("tail replay cancelled: %w", err)
		}
	}
}

// RebuildBatch reports progress of one rebuild page.
type RebuildBatch struct {
	Processed     int
	LastGlobalSeq int64
	LastEventID   string
}

// Rebuild recomputes the model from scratch: truncate every record, then
// fold the full rule set over history within the optional time window. The
// caller (the replay orchestrator) receives a callback per batch for
// progress accounting and cancels via ctx between batches.
func (e *Engine) Rebuild(ctx context.Context, name string, from, to time.Time, batchSize int, onBatch func(RebuildBatch)) error {
	ms, err := e.state(name)
	if err != nil {
		return err
	}
	fingerprint := ms.model.Fingerprint()
	hashes := ms.model.RuleHashes()
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}

	if err := e.records.Truncate(ctx, name); err != nil {
		return err
	}

	var after int64
	types := ms.model.EventTypes()
	for {
		if err := e.waitThrottle(ctx); err != nil {
			return err
		}
		batchStart := time.Now()
		page, err := e.log.ReadByType(ctx, types, from, to, after, batchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, evt := range page {
			if err := e.mergeOne(ctx, ms, evt); err != nil {
				return err
			}
			after = evt.GlobalSeq
		}
		e.metrics.RecordBatch(ctx, name, "rebuild", time.Since(batchStart))
		if onBatch != nil {
			last := page[len(page)-1]
			onBatch(RebuildBatch{Processed: len(page), LastGlobalSeq: last.GlobalSeq, LastEventID: last.ID})
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rebuild cancelled: %w", err)
		}
	}

	cp := Checkpoint{
		ProjectionName: name,
		RulesHash:      fingerprint,
		RuleHashes:     hashes,
		PendingHash:    fingerprint,
		CatchupDone:    true,
		LastGlobalSeq:  after,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := e.checkpoints.Put(ctx, cp); err != nil {
		return fmt.Errorf("rebuild checkpoint: %w", err)
	}
	storeMax(&ms.lastGlobal, after)
	return nil
}

// changedEventTypes returns the event types whose rule hash differs from the
// previously completed declaration, sorted by the caller's iteration needs.
func changedEventTypes(current, previous map[string]string) []string {
	var out []string
	for eventType, h := range current {
		if prev, ok := previous[eventType]; !ok || prev != h {
			out = append(out, eventType)
		}
	}
	sort.Strings(out)
	return out
}
