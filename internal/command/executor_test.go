package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eventfold/eventfold/core/aggregate"
	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
	"github.com/eventfold/eventfold/internal/eventstore"
	"github.com/eventfold/eventfold/internal/testutil"
)

func newExecutorFixture() (*Executor, *aggregate.Repository, *eventstore.MemoryStore) {
	log := eventstore.NewMemoryStore()
	registry := testutil.NewAccountRegistry()
	repo := aggregate.NewRepository(log, registry)
	return NewExecutor(repo, registry, Config{
		RetryInitial:  time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}), repo, log
}

func TestExecuteCreatesAggregateOnFirstCommand(t *testing.T) {
	ctx := context.Background()
	exec, repo, _ := newExecutorFixture()

	seq, err := exec.Execute(ctx, testutil.AccountType, "acct-1",
		func(ctx context.Context, root aggregate.Root) ([]event.Event, error) {
			return []event.Event{testutil.OpenedEvent("acct-1", "alice", "USD")}, nil
		})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if seq != 1 {
		t.Fatalf("sequence = %d, want 1", seq)
	}

	loaded, err := repo.Load(ctx, testutil.AccountType, "acct-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.(*testutil.Account).Owner != "alice" {
		t.Fatal("opened event not appended")
	}
}

func TestExecuteDecidesAgainstCurrentState(t *testing.T) {
	ctx := context.Background()
	exec, _, _ := newExecutorFixture()

	if _, err := exec.Execute(ctx, testutil.AccountType, "acct-1",
		func(ctx context.Context, root aggregate.Root) ([]event.Event, error) {
			return []event.Event{
				testutil.OpenedEvent("acct-1", "alice", "USD"),
				testutil.DepositEvent("acct-1", "100"),
			}, nil
		}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// The handler refuses an overdraft based on the loaded balance.
	_, err := exec.Execute(ctx, testutil.AccountType, "acct-1",
		func(ctx context.Context, root aggregate.Root) ([]event.Event, error) {
			acct := root.(*testutil.Account)
			if acct.Balance.LessThan(decimal.NewFromInt(500)) {
				return nil, errors.New("insufficient funds")
			}
			return []event.Event{testutil.WithdrawEvent("acct-1", "500")}, nil
		})
	if err == nil || err.Error() != "insufficient funds" {
		t.Fatalf("expected handler rejection, got %v", err)
	}
}

func TestExecuteRetriesConflictAgainstFreshState(t *testing.T) {
	ctx := context.Background()
	exec, repo, _ := newExecutorFixture()

	if _, err := exec.Execute(ctx, testutil.AccountType, "acct-1",
		func(ctx context.Context, root aggregate.Root) ([]event.Event, error) {
			return []event.Event{testutil.OpenedEvent("acct-1", "alice", "USD")}, nil
		}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// A competing writer sneaks an append in between load and save on the
	// first attempt; the retry reloads and succeeds.
	raced := false
	seq, err := exec.Execute(ctx, testutil.AccountType, "acct-1",
		func(ctx context.Context, root aggregate.Root) ([]event.Event, error) {
			if !raced {
				raced = true
				other, loadErr := repo.Load(ctx, testutil.AccountType, "acct-1")
				if loadErr != nil {
					return nil, loadErr
				}
				if _, saveErr := repo.Save(ctx, other, []event.Event{testutil.DepositEvent("acct-1", "5")}); saveErr != nil {
					return nil, saveErr
				}
			}
			return []event.Event{testutil.DepositEvent("acct-1", "10")}, nil
		})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if seq != 3 {
		t.Fatalf("sequence = %d, want 3 after the competing append", seq)
	}

	loaded, err := repo.Load(ctx, testutil.AccountType, "acct-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := loaded.(*testutil.Account).Balance.String(); got != "15" {
		t.Fatalf("balance = %s, want 15", got)
	}
}

func TestExecuteExhaustedConflictsReportUnavailable(t *testing.T) {
	ctx := context.Background()
	exec, repo, _ := newExecutorFixture()

	if _, err := exec.Execute(ctx, testutil.AccountType, "acct-1",
		func(ctx context.Context, root aggregate.Root) ([]event.Event, error) {
			return []event.Event{testutil.OpenedEvent("acct-1", "alice", "USD")}, nil
		}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Every attempt loses the race.
	attempts := 0
	_, err := exec.Execute(ctx, testutil.AccountType, "acct-1",
		func(ctx context.Context, root aggregate.Root) ([]event.Event, error) {
			attempts++
			other, loadErr := repo.Load(ctx, testutil.AccountType, "acct-1")
			if loadErr != nil {
				return nil, loadErr
			}
			if _, saveErr := repo.Save(ctx, other, []event.Event{testutil.DepositEvent("acct-1", "1")}); saveErr != nil {
				return nil, saveErr
			}
			return []event.Event{testutil.DepositEvent("acct-1", "10")}, nil
		})
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want the full retry budget of 3", attempts)
	}
	var envelope *errs.E
	if !errors.As(err, &envelope) || envelope.Remediation == "" {
		t.Fatalf("expected remediation on %v", err)
	}
}

func TestExecuteUnknownAggregateType(t *testing.T) {
	exec, _, _ := newExecutorFixture()
	_, err := exec.Execute(context.Background(), "mystery", "x",
		func(ctx context.Context, root aggregate.Root) ([]event.Event, error) { return nil, nil })
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
}
