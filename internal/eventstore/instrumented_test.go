package eventstore

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
	"github.com/eventfold/eventfold/internal/telemetry"
	"github.com/eventfold/eventfold/internal/testutil"
)

func TestInstrumentedStorePreservesAppendSemantics(t *testing.T) {
	ctx := context.Background()
	metrics, err := telemetry.NewMetrics(otel.Meter("eventstore-test"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	store := NewInstrumentedStore(NewMemoryStore(), metrics)

	seq, err := store.Append(ctx, "acct-1", testutil.AccountType, 0, []event.Event{
		testutil.OpenedEvent("acct-1", "alice", "USD"),
		testutil.DepositEvent("acct-1", "10"),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 2 {
		t.Fatalf("sequence = %d, want 2", seq)
	}

	_, err = store.Append(ctx, "acct-1", testutil.AccountType, 0,
		[]event.Event{testutil.DepositEvent("acct-1", "10")})
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict through the decorator, got %v", err)
	}
}

func TestInstrumentedStoreWithoutMetrics(t *testing.T) {
	ctx := context.Background()
	store := NewInstrumentedStore(NewMemoryStore(), nil)
	if _, err := store.Append(ctx, "acct-1", testutil.AccountType, 0,
		[]event.Event{testutil.OpenedEvent("acct-1", "alice", "USD")}); err != nil {
		t.Fatalf("append with nil metrics: %v", err)
	}
}
