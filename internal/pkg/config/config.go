package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	PostgresURL     string        `env:"POSTGRES_URL,required,notEmpty"`
	DBMaxOpenConns  int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	AutoMigrate     bool          `env:"AUTO_MIGRATE" envDefault:"false"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	OTelEndpoint    string        `env:"OTEL_ENDPOINT"`
	RedisURL        string        `env:"REDIS_URL"`
	AdminServerAddr string        `env:"ADMIN_SERVER_ADDR" envDefault:":9091"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Worker
	WorkerID       string        `env:"WORKER_ID"`
	PollIntervalMs int           `env:"POLL_INTERVAL_MS" envDefault:"1000"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"50"`
	LeaseDuration  time.Duration `env:"LEASE_DURATION" envDefault:"30s"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"5"`

	// Ingest
	IngestServerAddr     string        `env:"INGEST_SERVER_ADDR" envDefault:":8080"`
	MaxEventSize         int64         `env:"MAX_EVENT_SIZE_BYTES" envDefault:"1048576"` // 1MB
	PIIRedactionFields   []string      `env:"PII_REDACTION_FIELDS" envDefault:"email,password,api_key,ssn" envSeparator:","`
	APIKeyAuth           bool          `env:"API_KEY_AUTH" envDefault:"false"`
	APIKeyCacheTTL       time.Duration `env:"API_KEY_CACHE_TTL" envDefault:"5m"`
	IngestRateLimitRPS   float64       `env:"INGEST_RATE_LIMIT_RPS" envDefault:"0"`
	IngestRateLimitBurst int           `env:"INGEST_RATE_LIMIT_BURST" envDefault:"100"`
	HostRateLimitRPS     float64       `env:"HOST_RATE_LIMIT_RPS" envDefault:"1000"`
	HostRateLimitBurst   int           `env:"HOST_RATE_LIMIT_BURST" envDefault:"2000"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	for i, f := range cfg.PIIRedactionFields {
		cfg.PIIRedactionFields[i] = strings.TrimSpace(f)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.PollIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL_MS must be positive, got %d", c.PollIntervalMs))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize))
	}
	if c.LeaseDuration <= 0 {
		errs = append(errs, fmt.Errorf("LEASE_DURATION must be positive, got %s", c.LeaseDuration))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts))
	}
	if c.MaxEventSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_EVENT_SIZE_BYTES must be positive, got %d", c.MaxEventSize))
	}
	if c.IngestRateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("INGEST_RATE_LIMIT_RPS must not be negative, got %g", c.IngestRateLimitRPS))
	}
	if c.HostRateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("HOST_RATE_LIMIT_RPS must not be negative, got %g", c.HostRateLimitRPS))
	}
	return errors.Join(errs...)
}

// PollInterval is POLL_INTERVAL_MS as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
