// Package telemetry provides semantic conventions for event store observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys, following OpenTelemetry naming
// conventions: namespace.attribute_name.
const (
	// Event attributes
	AttrEventType     = attribute.Key("event.type")
	AttrAggregateType = attribute.Key("aggregate.type")

	// Projection attributes
	AttrProjection = attribute.Key("projection.name")
	AttrPhase      = attribute.Key("projection.phase")

	// Replay attributes
	AttrReplayTarget = attribute.Key("replay.target")
	AttrReplayState  = attribute.Key("replay.state")

	// Command attributes
	AttrResult = attribute.Key("result")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorType = attribute.Key("error.type")
)

// Projection phase values
const (
	PhaseCatchup = "catchup"
	PhaseLive    = "live"
	PhaseRebuild = "rebuild"
)

// Result values
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, aggregateType, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrAggregateType.String(aggregateType),
		AttrEventType.String(eventType),
	}
}

// ProjectionAttributes returns common attributes for projection metrics.
func ProjectionAttributes(environment, projection, phase string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProjection.String(projection),
		AttrPhase.String(phase),
	}
}

// CommandAttributes returns attributes for command execution metrics.
func CommandAttributes(environment, aggregateType, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrAggregateType.String(aggregateType),
		AttrResult.String(result),
	}
}

// ReplayAttributes returns attributes for replay run metrics.
func ReplayAttributes(environment, target, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrReplayTarget.String(target),
		AttrReplayState.String(state),
	}
}
