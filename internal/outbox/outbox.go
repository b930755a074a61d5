// Package outbox decouples event delivery from the append transaction. The
// event store writes one outbox row per event inside the append transaction;
// the relay publishes pending rows to the bus and marks them delivered.
// Delivery is at-least-once: a crash between publish and mark re-delivers.
package outbox

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Record is a stored outbox entry awaiting delivery.
type Record struct {
	ID          int64
	EventID     string
	EventType   string
	Envelope    json.RawMessage
	AvailableAt time.Time
	PublishedAt *time.Time
	Attempts    int32
	LastError   string
	Delivered   bool
	CreatedAt   time.Time
}

// Store persists outbox entries.
type Store interface {
	// ListPending returns undelivered entries that are ready for publishing.
	ListPending(ctx context.Context, limit int) ([]Record, error)
	// MarkDelivered flags an entry as successfully published.
	MarkDelivered(ctx context.Context, id int64) error
	// MarkFailed records a failed publish attempt and schedules a retry.
	MarkFailed(ctx context.Context, id int64, lastError string, nextAttempt time.Time) error
	// DeleteDelivered removes delivered entries older than the cutoff.
	DeleteDelivered(ctx context.Context, olderThan time.Time) (int64, error)
}
