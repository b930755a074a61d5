package aggregate_test

import (
	"context"
	"strings"
	"testing"

	"github.com/eventfold/eventfold/core/aggregate"
	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
	"github.com/eventfold/eventfold/internal/eventstore"
	"github.com/eventfold/eventfold/internal/snapshotstore"
	"github.com/eventfold/eventfold/internal/testutil"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	registry := testutil.NewAccountRegistry()
	repo := aggregate.NewRepository(eventstore.NewMemoryStore(), registry)

	root, err := registry.NewRoot(testutil.AccountType, "acct-1")
	if err != nil {
		t.Fatalf("new root: %v", err)
	}
	seq, err := repo.Save(ctx, root, []event.Event{
		testutil.OpenedEvent("acct-1", "alice", "USD"),
		testutil.DepositEvent("acct-1", "150.25"),
		testutil.WithdrawEvent("acct-1", "50.25"),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if seq != 3 {
		t.Fatalf("sequence = %d, want 3", seq)
	}

	loaded, err := repo.Load(ctx, testutil.AccountType, "acct-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	acct := loaded.(*testutil.Account)
	if acct.Owner != "alice" || acct.Currency != "USD" {
		t.Fatalf("identity fields = %q/%q", acct.Owner, acct.Currency)
	}
	if acct.Balance.String() != "100" {
		t.Fatalf("balance = %s, want 100", acct.Balance)
	}
	if acct.CurrentSequence() != 3 {
		t.Fatalf("loaded sequence = %d", acct.CurrentSequence())
	}
}

func TestLoadAtHistoricalSequence(t *testing.T) {
	ctx := context.Background()
	registry := testutil.NewAccountRegistry()
	repo := aggregate.NewRepository(eventstore.NewMemoryStore(), registry)

	root, _ := registry.NewRoot(testutil.AccountType, "acct-1")
	if _, err := repo.Save(ctx, root, []event.Event{
		testutil.OpenedEvent("acct-1", "alice", "USD"),
		testutil.DepositEvent("acct-1", "100"),
		testutil.DepositEvent("acct-1", "40"),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := repo.LoadAt(ctx, testutil.AccountType, "acct-1", 2)
	if err != nil {
		t.Fatalf("load at: %v", err)
	}
	acct := loaded.(*testutil.Account)
	if acct.Balance.String() != "100" {
		t.Fatalf("balance at seq 2 = %s, want 100", acct.Balance)
	}
}

func TestLoadUnknownAggregateNotFound(t *testing.T) {
	repo := aggregate.NewRepository(eventstore.NewMemoryStore(), testutil.NewAccountRegistry())
	_, err := repo.Load(context.Background(), testutil.AccountType, "nope")
	if !errs.IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestSaveConflictOnStaleSequence(t *testing.T) {
	ctx := context.Background()
	registry := testutil.NewAccountRegistry()
	log := eventstore.NewMemoryStore()
	repo := aggregate.NewRepository(log, registry)

	root, _ := registry.NewRoot(testutil.AccountType, "acct-1")
	if _, err := repo.Save(ctx, root, []event.Event{testutil.OpenedEvent("acct-1", "alice", "USD")}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Two copies loaded at the same sequence; the second save loses.
	first, err := repo.Load(ctx, testutil.AccountType, "acct-1")
	if err != nil {
		t.Fatalf("load first: %v", err)
	}
	second, err := repo.Load(ctx, testutil.AccountType, "acct-1")
	if err != nil {
		t.Fatalf("load second: %v", err)
	}

	if _, err := repo.Save(ctx, first, []event.Event{testutil.DepositEvent("acct-1", "10")}); err != nil {
		t.Fatalf("winning save: %v", err)
	}
	_, err = repo.Save(ctx, second, []event.Event{testutil.DepositEvent("acct-1", "20")})
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUnknownEventTypeSkippedDuringReplay(t *testing.T) {
	ctx := context.Background()
	log := eventstore.NewMemoryStore()
	registry := testutil.NewAccountRegistry()
	repo := aggregate.NewRepository(log, registry)

	opened := testutil.OpenedEvent("acct-1", "alice", "USD")
	future, err := event.New("acct-1", testutil.AccountType, "account.flagged", map[string]string{"reason": "review"})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	deposit := testutil.DepositEvent("acct-1", "30")
	if _, err := log.Append(ctx, "acct-1", testutil.AccountType, 0, []event.Event{opened, future, deposit}); err != nil {
		t.Fatalf("append: %v", err)
	}

	loaded, err := repo.Load(ctx, testutil.AccountType, "acct-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	acct := loaded.(*testutil.Account)
	if acct.Balance.String() != "30" {
		t.Fatalf("balance = %s, want 30", acct.Balance)
	}
	if acct.CurrentSequence() != 3 {
		t.Fatalf("sequence = %d, want 3 with the unknown event counted", acct.CurrentSequence())
	}
}

func TestApplyFailureCarriesEventID(t *testing.T) {
	ctx := context.Background()
	log := eventstore.NewMemoryStore()
	registry := testutil.NewAccountRegistry()
	repo := aggregate.NewRepository(log, registry)

	opened := testutil.OpenedEvent("acct-1", "alice", "USD")
	// Overdraw recorded directly in the log; the fold must reject it.
	overdraw := testutil.WithdrawEvent("acct-1", "999")
	if _, err := log.Append(ctx, "acct-1", testutil.AccountType, 0, []event.Event{opened, overdraw}); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err := repo.Load(ctx, testutil.AccountType, "acct-1")
	if errs.CodeOf(err) != errs.CodeApplyFailed {
		t.Fatalf("expected apply_failed, got %v", err)
	}
}

func TestSnapshotCadenceAndReuse(t *testing.T) {
	ctx := context.Background()
	registry := testutil.NewAccountRegistry()
	log := eventstore.NewMemoryStore()
	snaps := snapshotstore.NewMemoryStore()
	repo := aggregate.NewRepository(log, registry,
		aggregate.WithSnapshots(snaps, 10))

	root, _ := registry.NewRoot(testutil.AccountType, "acct-1")
	events := []event.Event{testutil.OpenedEvent("acct-1", "alice", "USD")}
	for i := 0; i < 11; i++ {
		events = append(events, testutil.DepositEvent("acct-1", "1"))
	}
	if _, err := repo.Save(ctx, root, events); err != nil {
		t.Fatalf("save: %v", err)
	}

	snap, err := snaps.Latest(ctx, "acct-1", 0)
	if err != nil {
		t.Fatalf("expected snapshot after crossing cadence: %v", err)
	}
	if snap.Sequence != 12 {
		t.Fatalf("snapshot sequence = %d, want 12", snap.Sequence)
	}

	loaded, err := repo.Load(ctx, testutil.AccountType, "acct-1")
	if err != nil {
		t.Fatalf("load from snapshot: %v", err)
	}
	acct := loaded.(*testutil.Account)
	if acct.Balance.String() != "11" {
		t.Fatalf("balance = %s, want 11", acct.Balance)
	}
	if acct.CurrentSequence() != 12 {
		t.Fatalf("sequence = %d, want 12", acct.CurrentSequence())
	}
}

func TestCorruptSnapshotFallsBackToReplay(t *testing.T) {
	ctx := context.Background()
	registry := testutil.NewAccountRegistry()
	log := eventstore.NewMemoryStore()
	snaps := snapshotstore.NewMemoryStore()
	repo := aggregate.NewRepository(log, registry, aggregate.WithSnapshots(snaps, 10))

	root, _ := registry.NewRoot(testutil.AccountType, "acct-1")
	if _, err := repo.Save(ctx, root, []event.Event{
		testutil.OpenedEvent("acct-1", "alice", "USD"),
		testutil.DepositEvent("acct-1", "75"),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := snaps.Save(ctx, aggregate.Snapshot{
		AggregateID: "acct-1",
		Sequence:    2,
		State:       []byte("{broken"),
	}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	loaded, err := repo.Load(ctx, testutil.AccountType, "acct-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	acct := loaded.(*testutil.Account)
	if acct.Balance.String() != "75" {
		t.Fatalf("balance = %s, want 75", acct.Balance)
	}
}

func TestRegistryValidateReportsMissingHandlers(t *testing.T) {
	registry := aggregate.NewRegistry()
	if err := registry.RegisterAggregate("ledger",
		func(id string) aggregate.Root { return &testutil.Account{} },
		"ledger.opened", "ledger.posted"); err != nil {
		t.Fatalf("register aggregate: %v", err)
	}
	if err := registry.RegisterHandler("ledger", "ledger.opened",
		func(root aggregate.Root, evt event.Event) error { return nil }); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	err := registry.Validate()
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
	if want := "ledger/ledger.posted"; err != nil && !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not name %q", err, want)
	}
}
