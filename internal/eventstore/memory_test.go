package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
	"github.com/eventfold/eventfold/internal/testutil"
)

func TestAppendAssignsContiguousSequences(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

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

	events, err := store.Read(ctx, "acct-1", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("read %d events, want 2", len(events))
	}
	for i, evt := range events {
		if evt.Sequence != int64(i)+1 {
			t.Fatalf("event %d sequence = %d", i, evt.Sequence)
		}
		if evt.GlobalSeq != int64(i)+1 {
			t.Fatalf("event %d global seq = %d", i, evt.GlobalSeq)
		}
	}
}

func TestAppendConflictReportsSequences(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.Append(ctx, "acct-1", testutil.AccountType, 0,
		[]event.Event{testutil.OpenedEvent("acct-1", "alice", "USD")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err := store.Append(ctx, "acct-1", testutil.AccountType, 0,
		[]event.Event{testutil.DepositEvent("acct-1", "10")})
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAppendConcurrentWritersOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := store.Append(ctx, "acct-1", testutil.AccountType, 0,
				[]event.Event{testutil.OpenedEvent("acct-1", "alice", "USD")})
			results <- err
		}()
	}

	var wins, conflicts int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errs.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected append error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins = %d, conflicts = %d, want 1 and 1", wins, conflicts)
	}

	events, err := store.Read(ctx, "acct-1", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 1 || events[0].GlobalSeq != 1 {
		t.Fatalf("stream after race: %+v", events)
	}
}

func TestAppendBatchAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	good := testutil.OpenedEvent("acct-1", "alice", "USD")
	bad := testutil.DepositEvent("acct-1", "10")
	bad.Sequence = 7 // not contiguous with the batch

	_, err := store.Append(ctx, "acct-1", testutil.AccountType, 0, []event.Event{good, bad})
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
	events, readErr := store.Read(ctx, "acct-1", 0, 0)
	if readErr != nil {
		t.Fatalf("read: %v", readErr)
	}
	if len(events) != 0 {
		t.Fatalf("stream has %d events after failed batch, want 0", len(events))
	}
}

func TestReadBoundsBySequence(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	batch := []event.Event{
		testutil.OpenedEvent("acct-1", "alice", "USD"),
		testutil.DepositEvent("acct-1", "1"),
		testutil.DepositEvent("acct-1", "2"),
		testutil.DepositEvent("acct-1", "3"),
	}
	if _, err := store.Append(ctx, "acct-1", testutil.AccountType, 0, batch); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := store.Read(ctx, "acct-1", 2, 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 || events[0].Sequence != 2 || events[1].Sequence != 3 {
		t.Fatalf("unexpected window: %+v", events)
	}
}

func TestReadByTypeKeysetPaging(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, id := range []string{"acct-1", "acct-2", "acct-3"} {
		if _, err := store.Append(ctx, id, testutil.AccountType, 0, []event.Event{
			testutil.OpenedEvent(id, "owner-"+id, "USD"),
			testutil.DepositEvent(id, "5"),
		}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	var after int64
	var seen []string
	for {
		page, err := store.ReadByType(ctx, []string{testutil.AccountDeposited}, time.Time{}, time.Time{}, after, 2)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, evt := range page {
			if evt.GlobalSeq <= after {
				t.Fatalf("page not ordered past cursor: %d <= %d", evt.GlobalSeq, after)
			}
			after = evt.GlobalSeq
			seen = append(seen, evt.AggregateID)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("scanned %d deposits, want 3 (%v)", len(seen), seen)
	}
}

func TestReadByTypeTimeWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	early := testutil.OpenedEvent("acct-1", "alice", "USD")
	early.OccurredAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := testutil.DepositEvent("acct-1", "5")
	late.OccurredAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if _, err := store.Append(ctx, "acct-1", testutil.AccountType, 0, []event.Event{early, late}); err != nil {
		t.Fatalf("append: %v", err)
	}

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	page, err := store.ReadByType(ctx, nil, from, time.Time{}, 0, 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(page) != 1 || page[0].Type != testutil.AccountDeposited {
		t.Fatalf("unexpected window result: %+v", page)
	}
}

func TestCountByTypes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.Append(ctx, "acct-1", testutil.AccountType, 0, []event.Event{
		testutil.OpenedEvent("acct-1", "alice", "USD"),
		testutil.DepositEvent("acct-1", "5"),
		testutil.DepositEvent("acct-1", "5"),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	count, err := store.CountByTypes(ctx, []string{testutil.AccountDeposited}, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	latest, err := store.LatestGlobalSeq(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != 3 {
		t.Fatalf("latest global seq = %d, want 3", latest)
	}
}
