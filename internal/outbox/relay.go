package outbox

import (
	"context"
	"math"
	"time"

	json "github.com/goccy/go-json"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/internal/bus/eventbus"
	"github.com/eventfold/eventfold/internal/observability"
	"github.com/eventfold/eventfold/internal/telemetry"
)

// RelayConfig tunes the outbox polling loop.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryInitial time.Duration
	RetryMax     time.Duration
	RetainFor    time.Duration
	CleanupEvery time.Duration
	// Metrics counts delivered events; nil disables recording.
	Metrics *telemetry.Metrics
}

func (c RelayConfig) normalize() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultPendingLimit
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 5 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
	if c.RetainFor <= 0 {
		c.RetainFor = 24 * time.Hour
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = time.Hour
	}
	return c
}

// Relay drains pending outbox entries onto the event bus.
type Relay struct {
	store Store
	bus   eventbus.Bus
	cfg   RelayConfig
}

// NewRelay constructs a relay over the store and bus.
func NewRelay(store Store, bus eventbus.Bus, cfg RelayConfig) *Relay {
	return &Relay{store: store, bus: bus, cfg: cfg.normalize()}
}

// Run polls until the context is cancelled. Intended to run in its own
// goroutine; publish failures are retried with per-record exponential delay.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(r.cfg.CleanupEvery)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		case <-cleanup.C:
			cutoff := time.Now().Add(-r.cfg.RetainFor)
			if removed, err := r.store.DeleteDelivered(ctx, cutoff); err != nil {
				observability.Log().Warn("outbox cleanup failed",
					observability.Field{Key: "error", Value: err.Error()})
			} else if removed > 0 {
				observability.Log().Debug("outbox cleanup",
					observability.Field{Key: "removed", Value: removed})
			}
		}
	}
}

// Drain publishes one batch of pending entries. Exposed for tests and for
// the dev profile's synchronous flush.
func (r *Relay) Drain(ctx context.Context) { r.drain(ctx) }

func (r *Relay) drain(ctx context.Context) {
	pending, err := r.store.ListPending(ctx, r.cfg.BatchSize)
	if err != nil {
		observability.Log().Error("outbox list pending failed",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	for _, record := range pending {
		if ctx.Err() != nil {
			return
		}
		var evt event.Event
		if err := json.Unmarshal(record.Envelope, &evt); err != nil {
			// A row that cannot decode will never succeed; park it far out so
			// operators notice without the relay spinning on it.
			r.fail(ctx, record, "decode envelope: "+err.Error())
			continue
		}
		if err := r.bus.Publish(ctx, evt); err != nil {
			r.fail(ctx, record, err.Error())
			continue
		}
		r.cfg.Metrics.RecordPublish(ctx, evt.Type, 1)
		if err := r.store.MarkDelivered(ctx, record.ID); err != nil {
			observability.Log().Error("outbox mark delivered failed",
				observability.Field{Key: "outbox_id", Value: record.ID},
				observability.Field{Key: "event_id", Value: record.EventID},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

func (r *Relay) fail(ctx context.Context, record Record, reason string) {
	delay := r.retryDelay(record.Attempts)
	if err := r.store.MarkFailed(ctx, record.ID, reason, time.Now().Add(delay)); err != nil {
		observability.Log().Error("outbox mark failed failed",
			observability.Field{Key: "outbox_id", Value: record.ID},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	observability.Log().Warn("outbox publish failed",
		observability.Field{Key: "outbox_id", Value: record.ID},
		observability.Field{Key: "event_id", Value: record.EventID},
		observability.Field{Key: "attempts", Value: record.Attempts + 1},
		observability.Field{Key: "retry_in", Value: delay.String()},
		observability.Field{Key: "error", Value: reason})
}

func (r *Relay) retryDelay(attempts int32) time.Duration {
	delay := time.Duration(float64(r.cfg.RetryInitial) * math.Pow(2, float64(attempts)))
	if delay > r.cfg.RetryMax || delay <= 0 {
		delay = r.cfg.RetryMax
	}
	return delay
}
