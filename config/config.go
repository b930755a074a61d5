// Package config centralises runtime configuration for eventfold services.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StorageConfig declares the PostgreSQL connection settings.
type StorageConfig struct {
	DSN             string        `yaml:"dsn" env:"EVENTFOLD_PG_DSN"`
	MaxConns        int32         `yaml:"maxConns" env:"EVENTFOLD_PG_MAX_CONNS"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout" env:"EVENTFOLD_PG_CONNECT_TIMEOUT"`
	MigrateOnStart  bool          `yaml:"migrateOnStart" env:"EVENTFOLD_PG_MIGRATE"`
	OutboxPublisher bool          `yaml:"outboxPublisher" env:"EVENTFOLD_PG_OUTBOX"`
}

// SnapshotConfig tunes snapshot-accelerated aggregate loads.
type SnapshotConfig struct {
	Enabled bool  `yaml:"enabled" env:"EVENTFOLD_SNAPSHOT_ENABLED"`
	Every   int64 `yaml:"every" env:"EVENTFOLD_SNAPSHOT_EVERY"`
}

// ProjectionConfig tunes the read model engine.
type ProjectionConfig struct {
	BatchSize               int     `yaml:"batchSize" env:"EVENTFOLD_PROJECTION_BATCH_SIZE"`
	CatchupBatchesPerSecond float64 `yaml:"catchupBatchesPerSecond" env:"EVENTFOLD_CATCHUP_BATCHES_PER_SECOND"`
	FanoutWorkers           int     `yaml:"fanoutWorkers" env:"EVENTFOLD_FANOUT_WORKERS"`
	// ModelsPath points at the read model declarations document.
	ModelsPath string `yaml:"modelsPath" env:"EVENTFOLD_MODELS_PATH"`
}

// CommandConfig tunes the write-side conflict retry budget.
type CommandConfig struct {
	MaxAttempts   uint          `yaml:"maxAttempts" env:"EVENTFOLD_COMMAND_MAX_ATTEMPTS"`
	RetryInitial  time.Duration `yaml:"retryInitial" env:"EVENTFOLD_COMMAND_RETRY_INITIAL"`
	RetryMaxDelay time.Duration `yaml:"retryMaxDelay" env:"EVENTFOLD_COMMAND_RETRY_MAX_DELAY"`
}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	PollInterval time.Duration `yaml:"pollInterval" env:"EVENTFOLD_RELAY_POLL_INTERVAL"`
	BatchSize    int           `yaml:"batchSize" env:"EVENTFOLD_RELAY_BATCH_SIZE"`
	RetryInitial time.Duration `yaml:"retryInitial" env:"EVENTFOLD_RELAY_RETRY_INITIAL"`
	RetryMax     time.Duration `yaml:"retryMax" env:"EVENTFOLD_RELAY_RETRY_MAX"`
	RetainFor    time.Duration `yaml:"retainFor" env:"EVENTFOLD_RELAY_RETAIN_FOR"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `yaml:"serviceName" env:"OTEL_SERVICE_NAME"`
}

// Settings is the full configuration tree, loaded from defaults, overlaid
// with YAML, then overridden by environment variables.
type Settings struct {
	Environment Environment      `yaml:"environment" env:"EVENTFOLD_ENV"`
	Storage     StorageConfig    `yaml:"storage"`
	Snapshot    SnapshotConfig   `yaml:"snapshot"`
	Projection  ProjectionConfig `yaml:"projection"`
	Command     CommandConfig    `yaml:"command"`
	Relay       RelayConfig      `yaml:"relay"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// Default returns the baseline configuration.
func Default() Settings {
	return Settings{
		Environment: EnvDev,
		Storage: StorageConfig{
			DSN:             "",
			MaxConns:        8,
			ConnectTimeout:  10 * time.Second,
			MigrateOnStart:  true,
			OutboxPublisher: true,
		},
		Snapshot: SnapshotConfig{
			Enabled: true,
			Every:   100,
		},
		Projection: ProjectionConfig{
			BatchSize:               500,
			CatchupBatchesPerSecond: 0,
			FanoutWorkers:           4,
			ModelsPath:              "config/models.yaml",
		},
		Command: CommandConfig{
			MaxAttempts:   3,
			RetryInitial:  25 * time.Millisecond,
			RetryMaxDelay: 500 * time.Millisecond,
		},
		Relay: RelayConfig{
			PollInterval: 200 * time.Millisecond,
			BatchSize:    128,
			RetryInitial: time.Second,
			RetryMax:     time.Minute,
			RetainFor:    24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4318",
			ServiceName:  "eventfold",
		},
	}
}

// Load builds Settings from defaults, the YAML document at path when it
// exists, and environment variable overrides, then validates the result.
// An empty path falls back to EVENTFOLD_CONFIG and config/eventfold.yaml.
func Load(ctx context.Context, path string) (Settings, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("EVENTFOLD_CONFIG"))
	}
	if path == "" {
		path = "config/eventfold.yaml"
	}

	raw, err := readConfigFile(path)
	if err != nil {
		return Settings{}, err
	}
	if raw != nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Settings{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Settings{}, fmt.Errorf("parse env overrides: %w", err)
	}

	if err := cfg.Validate(ctx); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Validate performs semantic validation on the loaded configuration.
func (s Settings) Validate(ctx context.Context) error {
	_ = ctx
	switch s.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be dev|staging|prod, got %q", s.Environment)
	}
	if s.Storage.MaxConns <= 0 {
		return fmt.Errorf("storage maxConns must be >0")
	}
	if s.Snapshot.Enabled && s.Snapshot.Every <= 0 {
		return fmt.Errorf("snapshot every must be >0 when snapshots are enabled")
	}
	if s.Projection.BatchSize <= 0 {
		return fmt.Errorf("projection batchSize must be >0")
	}
	if s.Projection.CatchupBatchesPerSecond < 0 {
		return fmt.Errorf("projection catchupBatchesPerSecond must be >=0")
	}
	if s.Projection.FanoutWorkers <= 0 {
		return fmt.Errorf("projection fanoutWorkers must be >0")
	}
	if s.Command.MaxAttempts == 0 {
		return fmt.Errorf("command maxAttempts must be >0")
	}
	if s.Relay.PollInterval <= 0 {
		return fmt.Errorf("relay pollInterval must be >0")
	}
	if s.Relay.BatchSize <= 0 {
		return fmt.Errorf("relay batchSize must be >0")
	}
	return nil
}

// readConfigFile returns the file contents, or nil when the file does not
// exist so defaults plus env overrides apply.
func readConfigFile(path string) ([]byte, error) {
	safePath := filepath.Clean(path)
	file, err := os.Open(safePath) // #nosec G304 -- configuration paths are controlled by operators.
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = file.Close() }()
	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return raw, nil
}
