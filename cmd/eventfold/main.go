// Command eventfold launches the event store and projection runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/eventfold/eventfold/config"
	"github.com/eventfold/eventfold/core/aggregate"
	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/internal/bus/eventbus"
	"github.com/eventfold/eventfold/internal/command"
	"github.com/eventfold/eventfold/internal/dbmigrate"
	"github.com/eventfold/eventfold/internal/eventstore"
	espostgres "github.com/eventfold/eventfold/internal/eventstore/postgres"
	"github.com/eventfold/eventfold/internal/observability"
	"github.com/eventfold/eventfold/internal/outbox"
	"github.com/eventfold/eventfold/internal/projection"
	projpostgres "github.com/eventfold/eventfold/internal/projection/postgres"
	"github.com/eventfold/eventfold/internal/query"
	"github.com/eventfold/eventfold/internal/replay"
	httpserver "github.com/eventfold/eventfold/internal/server/http"
	"github.com/eventfold/eventfold/internal/snapshotstore"
	"github.com/eventfold/eventfold/internal/telemetry"
	"github.com/eventfold/eventfold/internal/testutil"
)

const (
	defaultAddr              = ":8080"
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPath, addr, debug, seed := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, "eventfold ", log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, debug))

	cfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s", cfg.Environment)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	meter := telemetryProvider.Meter("eventfold")
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		logger.Fatalf("initialize metrics: %v", err)
	}

	stores, pool, err := buildStores(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialise stores: %v", err)
	}
	if pool != nil {
		defer pool.Close()
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		FanoutWorkers: cfg.Projection.FanoutWorkers,
	})

	var lifecycle conc.WaitGroup

	relayCancel := startRelay(ctx, &lifecycle, cfg, &stores, bus, metrics)
	stores.events = eventstore.NewInstrumentedStore(stores.events, metrics)

	engine, err := buildEngine(ctx, logger, cfg, stores, bus, metrics)
	if err != nil {
		logger.Fatalf("initialise projections: %v", err)
	}
	registerGauges(logger, meter, metrics, engine, stores.runs)

	orchestrator := replay.NewOrchestrator(stores.events, stores.runs, engine)
	queries := query.NewService(stores.records)

	if seed {
		if err := seedDemoData(ctx, logger, cfg, stores.events, pool, metrics); err != nil {
			logger.Fatalf("seed demo data: %v", err)
		}
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           httpserver.NewHandler(stores.events, engine, queries, orchestrator),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
	logger.Printf("control API listening on %s", addr)

	logger.Print("eventfold started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:       server,
		mainCancel:   cancel,
		relayCancel:  relayCancel,
		lifecycle:    &lifecycle,
		engine:       engine,
		bus:          bus,
		orchestrator: orchestrator,
		telemetry:    telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (cfgPath, addr string, debug, seed bool) {
	cfgFlag := flag.String("config", "", "Path to configuration file (default: config/eventfold.yaml)")
	addrFlag := flag.String("addr", defaultAddr, "Control API listen address")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	seedFlag := flag.Bool("seed", false, "Seed a demo account aggregate through the command executor on startup")
	flag.Parse()
	return *cfgFlag, *addrFlag, *debugFlag, *seedFlag
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Settings) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// storeSet bundles the persistence surfaces; either all Postgres or all
// in-memory depending on whether a DSN is configured.
type storeSet struct {
	events      eventstore.Store
	records     projection.RecordStore
	checkpoints projection.CheckpointStore
	runs        replay.RunStore
	outbox      outbox.Store
}

func buildStores(ctx context.Context, logger *log.Logger, cfg config.Settings) (storeSet, *pgxpool.Pool, error) {
	if cfg.Storage.DSN == "" {
		logger.Print("no storage DSN configured; using in-memory stores")
		return storeSet{
			events:      eventstore.NewMemoryStore(),
			records:     projection.NewMemoryRecordStore(),
			checkpoints: projection.NewMemoryCheckpointStore(),
			runs:        replay.NewMemoryRunStore(),
		}, nil, nil
	}

	if cfg.Storage.MigrateOnStart {
		if err := dbmigrate.Apply(ctx, cfg.Storage.DSN, logger); err != nil {
			return storeSet{}, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Storage.DSN)
	if err != nil {
		return storeSet{}, nil, fmt.Errorf("parse storage DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.Storage.MaxConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.Storage.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return storeSet{}, nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return storeSet{}, nil, fmt.Errorf("ping database: %w", err)
	}

	var events eventstore.Store
	var outboxStore outbox.Store
	if cfg.Storage.OutboxPublisher {
		events = espostgres.NewStore(pool)
		outboxStore = outbox.NewPostgresStore(pool)
	} else {
		events = espostgres.NewStoreWithoutOutbox(pool)
	}

	logger.Printf("postgres stores initialised: maxConns=%d outbox=%v",
		cfg.Storage.MaxConns, cfg.Storage.OutboxPublisher)
	return storeSet{
		events:      events,
		records:     projpostgres.NewRecordStore(pool),
		checkpoints: projpostgres.NewCheckpointStore(pool),
		runs:        replay.NewPostgresRunStore(pool),
		outbox:      outboxStore,
	}, pool, nil
}

// startRelay launches the outbox relay when the Postgres outbox is active.
// For in-memory stores a publishing decorator delivers straight to the bus.
func startRelay(ctx context.Context, lifecycle *conc.WaitGroup, cfg config.Settings, stores *storeSet, bus eventbus.Bus, metrics *telemetry.Metrics) context.CancelFunc {
	if stores.outbox == nil {
		if mem, ok := stores.events.(*eventstore.MemoryStore); ok {
			stores.events = eventstore.NewPublishingStore(mem, bus)
		}
		return func() {}
	}
	relay := outbox.NewRelay(stores.outbox, bus, outbox.RelayConfig{
		PollInterval: cfg.Relay.PollInterval,
		BatchSize:    cfg.Relay.BatchSize,
		RetryInitial: cfg.Relay.RetryInitial,
		RetryMax:     cfg.Relay.RetryMax,
		RetainFor:    cfg.Relay.RetainFor,
		Metrics:      metrics,
	})
	relayCtx, cancel := context.WithCancel(ctx)
	lifecycle.Go(func() { relay.Run(relayCtx) })
	return cancel
}

func buildEngine(ctx context.Context, logger *log.Logger, cfg config.Settings, stores storeSet, bus eventbus.Bus, metrics *telemetry.Metrics) (*projection.Engine, error) {
	engine := projection.NewEngine(stores.events, stores.records, stores.checkpoints, bus, projection.Config{
		BatchSize:               cfg.Projection.BatchSize,
		CatchupBatchesPerSecond: cfg.Projection.CatchupBatchesPerSecond,
	}, projection.WithMetrics(metrics))

	models, err := config.LoadModels(cfg.Projection.ModelsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Printf("no models document at %s; starting without read models", cfg.Projection.ModelsPath)
			return engine, nil
		}
		return nil, err
	}
	for _, model := range models {
		if err := engine.Register(model); err != nil {
			return nil, err
		}
	}
	logger.Printf("read models registered: %d", len(models))
	if err := engine.Start(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}

// registerGauges hooks the observable instruments to the live components:
// projection lag samples engine stats, replay progress samples running runs.
func registerGauges(logger *log.Logger, meter metric.Meter, metrics *telemetry.Metrics, engine *projection.Engine, runs replay.RunStore) {
	err := metrics.RegisterProjectionLag(meter, func(ctx context.Context) (map[string]int64, error) {
		stats, err := engine.Stats(ctx)
		if err != nil {
			return nil, err
		}
		lags := make(map[string]int64, len(stats))
		for _, st := range stats {
			lags[st.Name] = st.Lag
		}
		return lags, nil
	})
	if err != nil {
		logger.Printf("register projection lag gauge: %v", err)
	}

	err = metrics.RegisterReplayProgress(meter, func(ctx context.Context) (map[string]float64, error) {
		recent, err := runs.List(ctx, 20)
		if err != nil {
			return nil, err
		}
		progress := make(map[string]float64)
		for _, run := range recent {
			if run.State != replay.StateRunning {
				continue
			}
			fraction := 1.0
			if run.TotalEvents > 0 {
				fraction = float64(run.ProcessedEvents) / float64(run.TotalEvents)
			}
			progress[run.TargetName] = fraction
		}
		return progress, nil
	})
	if err != nil {
		logger.Printf("register replay progress gauge: %v", err)
	}
}

// seedDemoData drives a demo account through the command executor so a fresh
// deployment has events, projections, and snapshots to poke at.
func seedDemoData(ctx context.Context, logger *log.Logger, cfg config.Settings, store eventstore.Store, pool *pgxpool.Pool, metrics *telemetry.Metrics) error {
	registry := testutil.NewAccountRegistry()

	var opts []aggregate.RepositoryOption
	if cfg.Snapshot.Enabled {
		var snaps aggregate.SnapshotStore
		if pool != nil {
			snaps = snapshotstore.NewPostgresStore(pool)
		} else {
			snaps = snapshotstore.NewMemoryStore()
		}
		opts = append(opts, aggregate.WithSnapshots(snaps, cfg.Snapshot.Every))
	}
	repo := aggregate.NewRepository(store, registry, opts...)
	executor := command.NewExecutor(repo, registry, command.Config{
		MaxAttempts:   cfg.Command.MaxAttempts,
		RetryInitial:  cfg.Command.RetryInitial,
		RetryMaxDelay: cfg.Command.RetryMaxDelay,
		Metrics:       metrics,
	})

	const accountID = "demo-account"
	steps := []struct {
		name   string
		events []event.Event
	}{
		{"open", []event.Event{testutil.OpenedEvent(accountID, "demo", "USD")}},
		{"deposit", []event.Event{testutil.DepositEvent(accountID, "100")}},
		{"withdraw", []event.Event{testutil.WithdrawEvent(accountID, "25")}},
	}
	for _, step := range steps {
		events := step.events
		seq, err := executor.Execute(ctx, testutil.AccountType, accountID, func(ctx context.Context, root aggregate.Root) ([]event.Event, error) {
			return events, nil
		})
		if err != nil {
			return fmt.Errorf("seed %s: %w", step.name, err)
		}
		logger.Printf("seed: %s applied, sequence=%d", step.name, seq)
	}
	return nil
}

type gracefulShutdownConfig struct {
	server       *http.Server
	mainCancel   context.CancelFunc
	relayCancel  context.CancelFunc
	lifecycle    *conc.WaitGroup
	engine       *projection.Engine
	bus          eventbus.Bus
	orchestrator *replay.Orchestrator
	telemetry    *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.engine != nil {
		cfg.engine.Close()
	}
	if cfg.relayCancel != nil {
		cfg.relayCancel()
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.orchestrator != nil {
		shutdownStep("waiting for replay runs", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrTimeout(stepCtx, cfg.orchestrator.Wait)
		})
		cfg.orchestrator.Close()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrTimeout(stepCtx, func() { cfg.lifecycle.Wait() })
		})
	}

	if cfg.bus != nil {
		cfg.bus.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func waitOrTimeout(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for goroutines: %w", ctx.Err())
	}
}
