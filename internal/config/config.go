// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is every tunable of one server process. Zombie thresholds and the
// allocation order live here rather than in code.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	OrgID    string `env:"ORG_ID" envDefault:"default"`
	Currency string `env:"CURRENCY" envDefault:"USD"`

	// DatabaseURL selects the postgres store; empty runs on the memory store.
	DatabaseURL      string `env:"DATABASE_URL"`
	CheckpointDBPath string `env:"CHECKPOINT_DB_PATH" envDefault:"checkpoints.db"`

	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopicPrefix string   `env:"KAFKA_TOPIC_PREFIX" envDefault:"ledger"`
	// RedisAddr enables cross-replica saga claims; empty keeps claims in-process.
	RedisAddr string `env:"REDIS_ADDR"`

	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`

	EventPollInterval time.Duration `env:"EVENT_POLL_INTERVAL" envDefault:"1s"`
	EventLeaseTTL     time.Duration `env:"EVENT_LEASE_TTL" envDefault:"30s"`
	EventMaxAttempts  int           `env:"EVENT_MAX_ATTEMPTS" envDefault:"5"`
	EventRetryBackoff time.Duration `env:"EVENT_RETRY_BACKOFF" envDefault:"2s"`

	SagaHeartbeatInterval time.Duration `env:"SAGA_HEARTBEAT_INTERVAL" envDefault:"5s"`
	SagaHeartbeatTimeout  time.Duration `env:"SAGA_HEARTBEAT_TIMEOUT" envDefault:"30s"`
	SagaResumeBudget      int           `env:"SAGA_RESUME_BUDGET" envDefault:"1"`
	SagaMonitorInterval   time.Duration `env:"SAGA_MONITOR_INTERVAL" envDefault:"10s"`
	SagaStepMaxRetries    int           `env:"SAGA_STEP_MAX_RETRIES" envDefault:"3"`

	DiagnosticsInterval time.Duration `env:"DIAGNOSTICS_INTERVAL" envDefault:"5m"`
	// PeriodCheckInterval paces the scan for ended periods; zero disables
	// automatic period close.
	PeriodCheckInterval time.Duration `env:"PERIOD_CHECK_INTERVAL" envDefault:"1h"`

	// GatewayURL selects the HTTP payment gateway; empty uses the simulated one.
	GatewayURL     string        `env:"GATEWAY_URL"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`

	AllocationPriority string `env:"ALLOCATION_PRIORITY" envDefault:"rent,fees,utilities,maintenance,deposit,pet_fees,other"`
	AllocationTieBreak string `env:"ALLOCATION_TIE_BREAK" envDefault:"created_at"`

	ReconcileDateWindowDays int `env:"RECONCILE_DATE_WINDOW_DAYS" envDefault:"3"`
}

// Load reads an optional .env file from the working directory, then parses
// the environment. Variables already set win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the environment without touching .env.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.OrgID) == "" {
		errs = append(errs, errors.New("ORG_ID must not be empty"))
	}
	if len(strings.TrimSpace(c.Currency)) != 3 {
		errs = append(errs, fmt.Errorf("CURRENCY must be an ISO 4217 code, got %q", c.Currency))
	}
	switch c.AllocationTieBreak {
	case "charge_id", "created_at":
	default:
		errs = append(errs, fmt.Errorf("ALLOCATION_TIE_BREAK must be charge_id or created_at, got %q", c.AllocationTieBreak))
	}
	if c.SagaHeartbeatInterval >= c.SagaHeartbeatTimeout {
		errs = append(errs, errors.New("SAGA_HEARTBEAT_INTERVAL must be shorter than SAGA_HEARTBEAT_TIMEOUT"))
	}
	if c.SagaResumeBudget < 0 {
		errs = append(errs, errors.New("SAGA_RESUME_BUDGET must not be negative"))
	}
	if c.EventMaxAttempts < 1 {
		errs = append(errs, errors.New("EVENT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.ReconcileDateWindowDays < 0 {
		errs = append(errs, errors.New("RECONCILE_DATE_WINDOW_DAYS must not be negative"))
	}
	if c.PeriodCheckInterval < 0 {
		errs = append(errs, errors.New("PERIOD_CHECK_INTERVAL must not be negative"))
	}
	if c.OTelEnabled && c.OTelEndpoint == "" {
		errs = append(errs, errors.New("OTEL_ENDPOINT is required when OTEL_ENABLED is true"))
	}
	return errors.Join(errs...)
}
