// Package errs provides structured error types and helpers for eventfold components.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category within the event-sourcing core.
type Code string

const (
	// CodeConflict indicates an optimistic-concurrency conflict on append.
	CodeConflict Code = "conflict"
	// CodeNotFound indicates a missing aggregate, snapshot, or projection record.
	CodeNotFound Code = "not_found"
	// CodeApplyFailed indicates an aggregate event handler failed during replay.
	CodeApplyFailed Code = "apply_failed"
	// CodeNoMigrationPath indicates a gap in the event schema upgrade chain.
	CodeNoMigrationPath Code = "no_migration_path"
	// CodeProjectionFailed indicates a single event's projection update failed.
	CodeProjectionFailed Code = "projection_failed"
	// CodeReplayInProgress indicates a replay is already running for the target.
	CodeReplayInProgress Code = "replay_in_progress"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates a transient storage or delivery failure.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the eventfold stack.
type E struct {
	Op          string
	Code        Code
	Message     string
	AggregateID string
	EventID     string
	Expected    int64
	Actual      int64
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:   strings.TrimSpace(op),
		Code: code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithAggregate records the aggregate the failure relates to.
func WithAggregate(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.AggregateID = trimmed
	}
}

// WithEvent records the event identifier the failure relates to.
func WithEvent(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.EventID = trimmed
	}
}

// WithSequences records the expected and actual sequence numbers of a conflict.
func WithSequences(expected, actual int64) Option {
	return func(e *E) {
		e.Expected = expected
		e.Actual = actual
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.AggregateID != "" {
		parts = append(parts, "aggregate="+e.AggregateID)
	}
	if e.EventID != "" {
		parts = append(parts, "event="+e.EventID)
	}
	if e.Code == CodeConflict {
		parts = append(parts, "expected="+strconv.FormatInt(e.Expected, 10))
		parts = append(parts, "actual="+strconv.FormatInt(e.Actual, 10))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Conflict returns a standardized optimistic-concurrency conflict error.
func Conflict(op string, expected, actual int64) *E {
	return New(op, CodeConflict,
		WithSequences(expected, actual),
		WithMessage("expected sequence does not match stored sequence"),
		WithRemediation("reload the aggregate and retry the command"))
}

// CodeOf extracts the Code from an error chain, or empty when absent.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsConflict reports whether the error chain contains a concurrency conflict.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsNotFound reports whether the error chain contains a not-found condition.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }
