// Package event defines the immutable domain event model shared across the stack.
package event

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/eventfold/eventfold/errs"
)

// Event represents an immutable fact recorded against one aggregate.
// Sequence numbers are per-aggregate, start at 1, and contain no gaps.
type Event struct {
	ID            string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Sequence      int64           `json:"sequence"`
	Type          string          `json:"type"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`

	// GlobalSeq is the store-assigned position in the all-events order. It is
	// zero until the event has been persisted and is only meaningful for
	// catchup and replay scans.
	GlobalSeq int64 `json:"global_seq,omitempty"`
}

// Option configures optional event metadata.
type Option func(*Event)

// WithCorrelation sets the correlation identifier used for cross-operation tracing.
func WithCorrelation(id string) Option {
	return func(e *Event) { e.CorrelationID = strings.TrimSpace(id) }
}

// WithCausation sets the identifier of the event or command that caused this event.
func WithCausation(id string) Option {
	return func(e *Event) { e.CausationID = strings.TrimSpace(id) }
}

// WithSchemaVersion overrides the recorded payload schema version.
func WithSchemaVersion(version int) Option {
	return func(e *Event) { e.SchemaVersion = version }
}

// WithOccurredAt overrides the occurrence timestamp, primarily for tests and imports.
func WithOccurredAt(ts time.Time) Option {
	return func(e *Event) { e.OccurredAt = ts }
}

// New constructs an unsequenced event for the given aggregate. The store
// assigns the sequence number at append time.
func New(aggregateID, aggregateType, eventType string, payload any, opts ...Option) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errs.New("event/new", errs.CodeInvalid,
			errs.WithMessage("encode payload"), errs.WithCause(err))
	}
	evt := Event{
		ID:            uuid.NewString(),
		AggregateID:   strings.TrimSpace(aggregateID),
		AggregateType: strings.TrimSpace(aggregateType),
		Type:          strings.TrimSpace(eventType),
		SchemaVersion: 1,
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&evt)
		}
	}
	return evt, evt.Validate()
}

// Validate checks structural invariants that must hold before persistence.
func (e Event) Validate() error {
	if e.ID == "" {
		return errs.New("event/validate", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	if e.AggregateID == "" {
		return errs.New("event/validate", errs.CodeInvalid, errs.WithMessage("aggregate id required"))
	}
	if e.AggregateType == "" {
		return errs.New("event/validate", errs.CodeInvalid, errs.WithMessage("aggregate type required"))
	}
	if e.Type == "" {
		return errs.New("event/validate", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if e.SchemaVersion < 1 {
		return errs.New("event/validate", errs.CodeInvalid, errs.WithMessage("schema version must be >=1"))
	}
	if e.Sequence < 0 {
		return errs.New("event/validate", errs.CodeInvalid, errs.WithMessage("sequence must not be negative"))
	}
	return nil
}

// DecodePayload unmarshals the payload into dest.
func (e Event) DecodePayload(dest any) error {
	if err := json.Unmarshal(e.Payload, dest); err != nil {
		return errs.New("event/decode", errs.CodeInvalid,
			errs.WithEvent(e.ID), errs.WithMessage("decode payload"), errs.WithCause(err))
	}
	return nil
}

// PayloadMap returns the payload decoded into a generic map, for rule engines
// that address fields by path.
func (e Event) PayloadMap() (map[string]any, error) {
	out := map[string]any{}
	if len(e.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return nil, errs.New("event/decode", errs.CodeInvalid,
			errs.WithEvent(e.ID), errs.WithMessage("decode payload map"), errs.WithCause(err))
	}
	return out, nil
}
