// Package eventstore defines the append-only event log contract.
package eventstore

import (
	"context"
	"time"

	"github.com/eventfold/eventfold/core/event"
)

// Store is the durable, append-only event log. It is the single writer of
// truth for events and the serialization point for concurrency conflicts.
//
// Implementations must guarantee:
//   - per-aggregate sequences are gapless, duplicate-free, and start at 1;
//   - multi-event appends are atomic;
//   - Append fails with errs.CodeConflict when expectedSeq does not match the
//     stored current sequence for the aggregate;
//   - reads return events in ascending sequence order.
type Store interface {
	// Append stores the events and returns the new current sequence for the
	// aggregate (count previously stored + count appended).
	Append(ctx context.Context, aggregateID, aggregateType string, expectedSeq int64, events []event.Event) (int64, error)

	// Read returns the aggregate's events with fromSeq <= Sequence <= toSeq.
	// A toSeq of 0 means no upper bound.
	Read(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]event.Event, error)

	// ReadByType scans events of the given types in global-position order for
	// catchup and replay. Zero time bounds mean unbounded; afterGlobalSeq
	// restarts a scan past the last processed position. The page size is
	// capped at limit.
	ReadByType(ctx context.Context, eventTypes []string, from, to time.Time, afterGlobalSeq int64, limit int) ([]event.Event, error)

	// LatestGlobalSeq returns the highest assigned global position, or 0 when
	// the log is empty.
	LatestGlobalSeq(ctx context.Context) (int64, error)

	// CountByTypes reports how many stored events match the type and time
	// bounds, used to size replay runs. Zero time bounds mean unbounded.
	CountByTypes(ctx context.Context, eventTypes []string, from, to time.Time) (int64, error)

	// CountByAggregateType reports stored event counts per aggregate type for
	// diagnostics.
	CountByAggregateType(ctx context.Context) (map[string]int64, error)
}

// DefaultScanLimit bounds catchup/replay page sizes when callers pass 0.
const DefaultScanLimit = 500

// MaxScanLimit is the hard upper bound on a single scan page.
const MaxScanLimit = 1000

// ClampScanLimit normalizes a caller-provided page size.
func ClampScanLimit(limit int) int {
	if limit <= 0 {
		return DefaultScanLimit
	}
	if limit > MaxScanLimit {
		return MaxScanLimit
	}
	return limit
}
