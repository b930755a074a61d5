package persistence_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/eventfold/eventfold/core/aggregate"
	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
	espostgres "github.com/eventfold/eventfold/internal/eventstore/postgres"
	"github.com/eventfold/eventfold/internal/outbox"
	"github.com/eventfold/eventfold/internal/projection"
	projpostgres "github.com/eventfold/eventfold/internal/projection/postgres"
	"github.com/eventfold/eventfold/internal/replay"
	"github.com/eventfold/eventfold/internal/snapshotstore"
	"github.com/eventfold/eventfold/internal/testutil"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "eventfold"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/eventfold?sslmode=disable", host, port.Port())

	if err := applyMigrations(dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func applyMigrations(dsn string) error {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return fmt.Errorf("runtime caller lookup failed")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
	migrationsDir := filepath.Join(root, "db", "migrations")
	sourceURL := fmt.Sprintf("file://%s", migrationsDir)

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func decodeEnvelope(raw []byte, evt *event.Event) error {
	return json.Unmarshal(raw, evt)
}

func TestEventLogAppendReadConflict(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := espostgres.NewStore(testPool)
	aggregateID := "acct-" + uuid.NewString()

	seq, err := store.Append(ctx, aggregateID, testutil.AccountType, 0, []event.Event{
		testutil.OpenedEvent(aggregateID, "alice", "USD"),
		testutil.DepositEvent(aggregateID, "100.50"),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 2 {
		t.Fatalf("sequence = %d, want 2", seq)
	}

	events, err := store.Read(ctx, aggregateID, 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("read %d events, want 2", len(events))
	}
	if events[0].Sequence != 1 || events[1].Sequence != 2 {
		t.Fatalf("sequences = %d,%d", events[0].Sequence, events[1].Sequence)
	}
	if events[1].GlobalSeq <= events[0].GlobalSeq {
		t.Fatalf("global positions not increasing: %d then %d", events[0].GlobalSeq, events[1].GlobalSeq)
	}

	// A writer holding a stale expected sequence must lose.
	_, err = store.Append(ctx, aggregateID, testutil.AccountType, 1,
		[]event.Event{testutil.DepositEvent(aggregateID, "1")})
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	count, err := store.CountByTypes(ctx, []string{testutil.AccountDeposited}, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count < 1 {
		t.Fatalf("count = %d, want >=1", count)
	}
}

func TestEventLogConcurrentAppendOneWinner(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := espostgres.NewStore(testPool)
	aggregateID := "acct-" + uuid.NewString()

	// Both writers hold the same expected sequence; the unique stream index
	// must let exactly one through.
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := store.Append(ctx, aggregateID, testutil.AccountType, 0,
				[]event.Event{testutil.OpenedEvent(aggregateID, "alice", "USD")})
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

	events, err := store.Read(ctx, aggregateID, 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 1 {
		t.Fatalf("stream after race: %+v", events)
	}
}

func TestEventLogOutboxRows(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := espostgres.NewStore(testPool)
	outboxStore := outbox.NewPostgresStore(testPool)
	aggregateID := "acct-" + uuid.NewString()

	if _, err := store.Append(ctx, aggregateID, testutil.AccountType, 0,
		[]event.Event{testutil.OpenedEvent(aggregateID, "bob", "EUR")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	pending, err := outboxStore.ListPending(ctx, 100)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	var found *outbox.Record
	for i := range pending {
		if pending[i].EventType == testutil.AccountOpened {
			var evt event.Event
			if err := decodeEnvelope(pending[i].Envelope, &evt); err != nil {
				t.Fatalf("decode envelope: %v", err)
			}
			if evt.AggregateID == aggregateID {
				found = &pending[i]
				break
			}
		}
	}
	if found == nil {
		t.Fatal("append did not stage an outbox row")
	}

	if err := outboxStore.MarkDelivered(ctx, found.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if _, err := outboxStore.DeleteDelivered(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("delete delivered: %v", err)
	}
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := snapshotstore.NewPostgresStore(testPool)
	aggregateID := "acct-" + uuid.NewString()

	for _, seq := range []int64{100, 200} {
		if err := store.Save(ctx, aggregate.Snapshot{
			AggregateID: aggregateID,
			Sequence:    seq,
			State:       []byte(fmt.Sprintf(`{"seq":%d}`, seq)),
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			t.Fatalf("save snapshot %d: %v", seq, err)
		}
	}

	snap, err := store.Latest(ctx, aggregateID, 0)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if snap.Sequence != 200 {
		t.Fatalf("latest sequence = %d, want 200", snap.Sequence)
	}

	bounded, err := store.Latest(ctx, aggregateID, 150)
	if err != nil {
		t.Fatalf("bounded latest: %v", err)
	}
	if bounded.Sequence != 100 {
		t.Fatalf("bounded sequence = %d, want 100", bounded.Sequence)
	}

	if err := store.Prune(ctx, aggregateID, 200); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := store.Latest(ctx, aggregateID, 150); !errs.IsNotFound(err) {
		t.Fatalf("pruned snapshot still present: %v", err)
	}
}

func TestProjectionRecordGuardAndFind(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	records := projpostgres.NewRecordStore(testPool)
	name := "summary-" + uuid.NewString()
	aggregateID := "acct-" + uuid.NewString()

	applied, err := records.Apply(ctx, name, aggregateID, map[string]any{"owner": "alice", "currency": "USD"}, 2)
	if err != nil || !applied {
		t.Fatalf("apply = %v %v", applied, err)
	}
	applied, err = records.Apply(ctx, name, aggregateID, map[string]any{"owner": "stale"}, 2)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if applied {
		t.Fatal("stale apply must be a no-op")
	}

	if err := records.Merge(ctx, name, aggregateID, map[string]any{"balance": "10"}, 1); err != nil {
		t.Fatalf("merge: %v", err)
	}
	record, err := records.Get(ctx, name, aggregateID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Fields["owner"] != "alice" || record.Fields["balance"] != "10" {
		t.Fatalf("fields = %v", record.Fields)
	}
	if record.IncorporatedVersion != 2 {
		t.Fatalf("version = %d, want 2", record.IncorporatedVersion)
	}

	matches, err := records.Find(ctx, name, map[string]any{"currency": "USD"}, 10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("found %d records, want 1", len(matches))
	}

	if err := records.Truncate(ctx, name); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := records.Get(ctx, name, aggregateID); !errs.IsNotFound(err) {
		t.Fatalf("truncated record still present: %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	checkpoints := projpostgres.NewCheckpointStore(testPool)
	name := "summary-" + uuid.NewString()

	if _, err := checkpoints.Get(ctx, name); !errs.IsNotFound(err) {
		t.Fatalf("fresh model should be not_found, got %v", err)
	}

	cp := projection.Checkpoint{
		ProjectionName: name,
		RulesHash:      "hash-a",
		RuleHashes:     map[string]string{testutil.AccountOpened: "h1"},
		PendingHash:    "hash-a",
		CatchupDone:    true,
		LastGlobalSeq:  77,
		LastEventID:    uuid.NewString(),
		LastOccurredAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := checkpoints.Put(ctx, cp); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := checkpoints.Get(ctx, name)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RulesHash != cp.RulesHash || got.LastGlobalSeq != 77 || !got.CatchupDone {
		t.Fatalf("checkpoint = %+v", got)
	}
	if got.RuleHashes[testutil.AccountOpened] != "h1" {
		t.Fatalf("rule hashes = %v", got.RuleHashes)
	}
}

func TestReplayRunSingleFlight(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	runs := replay.NewPostgresRunStore(testPool)
	target := "model-" + uuid.NewString()

	first := replay.Run{
		ID:         uuid.NewString(),
		TargetKind: replay.TargetProjection,
		TargetName: target,
		State:      replay.StateRunning,
		BatchSize:  100,
		StartedAt:  time.Now().UTC(),
	}
	if err := runs.Begin(ctx, first); err != nil {
		t.Fatalf("begin: %v", err)
	}

	dup := first
	dup.ID = uuid.NewString()
	if err := runs.Begin(ctx, dup); errs.CodeOf(err) != errs.CodeReplayInProgress {
		t.Fatalf("expected replay_in_progress, got %v", err)
	}

	first.State = replay.StateCompleted
	first.ProcessedEvents = 42
	now := time.Now().UTC()
	first.FinishedAt = now
	if err := runs.Save(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := runs.Begin(ctx, dup); err != nil {
		t.Fatalf("begin after completion: %v", err)
	}

	got, err := runs.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != replay.StateCompleted || got.ProcessedEvents != 42 {
		t.Fatalf("run = %+v", got)
	}

	listed, err := runs.List(ctx, 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) == 0 {
		t.Fatal("list returned nothing")
	}
}
