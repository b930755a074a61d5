package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the instruments for the write side, the projection engine,
// and replay runs. Construct once at startup and share. A nil *Metrics is a
// no-op so components can be wired with or without telemetry.
type Metrics struct {
	eventsAppended  metric.Int64Counter
	eventsPublished metric.Int64Counter
	conflicts       metric.Int64Counter
	appendDuration  metric.Float64Histogram
	loadDuration    metric.Float64Histogram
	batchDuration   metric.Float64Histogram
	commandAttempts metric.Int64Histogram
	projectionLag   metric.Int64ObservableGauge
	replayProgress  metric.Float64ObservableGauge
}

// NewMetrics registers the instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.eventsAppended, err = meter.Int64Counter("eventlog.events.appended",
		metric.WithDescription("Events durably appended to the log"),
		metric.WithUnit("{event}")); err != nil {
		return nil, fmt.Errorf("create appended counter: %w", err)
	}
	if m.eventsPublished, err = meter.Int64Counter("eventlog.events.published",
		metric.WithDescription("Events delivered to subscribers via the outbox"),
		metric.WithUnit("{event}")); err != nil {
		return nil, fmt.Errorf("create published counter: %w", err)
	}
	if m.conflicts, err = meter.Int64Counter("eventlog.append.conflicts",
		metric.WithDescription("Appends rejected by the sequence guard"),
		metric.WithUnit("{conflict}")); err != nil {
		return nil, fmt.Errorf("create conflict counter: %w", err)
	}
	if m.appendDuration, err = meter.Float64Histogram("eventlog.append.duration",
		metric.WithDescription("Event append transaction duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create append histogram: %w", err)
	}
	if m.loadDuration, err = meter.Float64Histogram("aggregate.load.duration",
		metric.WithDescription("Aggregate reconstruction duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create load histogram: %w", err)
	}
	if m.batchDuration, err = meter.Float64Histogram("projection.batch.duration",
		metric.WithDescription("Projection batch processing duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create batch histogram: %w", err)
	}
	if m.commandAttempts, err = meter.Int64Histogram("command.attempts",
		metric.WithDescription("Command attempts before success or exhaustion"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, fmt.Errorf("create attempts histogram: %w", err)
	}
	return m, nil
}

// RecordAppend records one append outcome.
func (m *Metrics) RecordAppend(ctx context.Context, aggregateType, eventType string, n int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(EventAttributes(Environment(), aggregateType, eventType)...)
	m.eventsAppended.Add(ctx, n, attrs)
	m.appendDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

// RecordConflict records a sequence guard rejection.
func (m *Metrics) RecordConflict(ctx context.Context, aggregateType string) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrAggregateType.String(aggregateType)))
}

// RecordPublish records events handed to subscribers.
func (m *Metrics) RecordPublish(ctx context.Context, eventType string, n int64) {
	if m == nil {
		return
	}
	m.eventsPublished.Add(ctx, n, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrEventType.String(eventType)))
}

// RecordLoad records one aggregate reconstruction.
func (m *Metrics) RecordLoad(ctx context.Context, aggregateType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.loadDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrAggregateType.String(aggregateType)))
}

// RecordBatch records one catchup or rebuild page.
func (m *Metrics) RecordBatch(ctx context.Context, projection, phase string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond),
		metric.WithAttributes(ProjectionAttributes(Environment(), projection, phase)...))
}

// RecordCommand records a finished command with its attempt count.
func (m *Metrics) RecordCommand(ctx context.Context, aggregateType, result string, attempts int64) {
	if m == nil {
		return
	}
	m.commandAttempts.Record(ctx, attempts,
		metric.WithAttributes(CommandAttributes(Environment(), aggregateType, result)...))
}

// LagObserver reports per-projection lag for the observable gauge.
type LagObserver func(ctx context.Context) (map[string]int64, error)

// RegisterProjectionLag wires an observable gauge that samples projection lag
// on each metric collection.
func (m *Metrics) RegisterProjectionLag(meter metric.Meter, observe LagObserver) error {
	if m == nil {
		return nil
	}
	gauge, err := meter.Int64ObservableGauge("projection.lag",
		metric.WithDescription("Events between the log head and the projection's last seen position"),
		metric.WithUnit("{event}"))
	if err != nil {
		return fmt.Errorf("create lag gauge: %w", err)
	}
	m.projectionLag = gauge
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		lags, err := observe(ctx)
		if err != nil {
			return err
		}
		for name, lag := range lags {
			obs.ObserveInt64(gauge, lag, metric.WithAttributes(
				AttrEnvironment.String(Environment()),
				AttrProjection.String(name)))
		}
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("register lag callback: %w", err)
	}
	return nil
}

// ProgressObserver reports in-flight replay progress as target -> fraction.
type ProgressObserver func(ctx context.Context) (map[string]float64, error)

// RegisterReplayProgress wires an observable gauge sampling replay progress.
func (m *Metrics) RegisterReplayProgress(meter metric.Meter, observe ProgressObserver) error {
	if m == nil {
		return nil
	}
	gauge, err := meter.Float64ObservableGauge("replay.progress",
		metric.WithDescription("Fraction of the replay scan completed"),
		metric.WithUnit("1"))
	if err != nil {
		return fmt.Errorf("create progress gauge: %w", err)
	}
	m.replayProgress = gauge
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		targets, err := observe(ctx)
		if err != nil {
			return err
		}
		for target, fraction := range targets {
			obs.ObserveFloat64(gauge, fraction, metric.WithAttributes(
				AttrEnvironment.String(Environment()),
				AttrReplayTarget.String(target)))
		}
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("register progress callback: %w", err)
	}
	return nil
}
