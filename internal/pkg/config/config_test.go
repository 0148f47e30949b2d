package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://localhost/test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.LeaseDuration)
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, []string{"email", "password", "api_key", "ssn"}, cfg.PIIRedactionFields)
	assert.NotEmpty(t, cfg.WorkerID)
	assert.False(t, cfg.APIKeyAuth)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://localhost/test")
	t.Setenv("BATCH_SIZE", "2")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("LEASE_DURATION", "1m")
	t.Setenv("WORKER_ID", "w-1")
	t.Setenv("PII_REDACTION_FIELDS", "email, phone")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, time.Minute, cfg.LeaseDuration)
	assert.Equal(t, "w-1", cfg.WorkerID)
	assert.Equal(t, []string{"email", "phone"}, cfg.PIIRedactionFields)
}

func TestLoad_RequiresPostgresURL(t *testing.T) {
	t.Setenv("POSTGRES_URL", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"negative poll interval", func(c *Config) { c.PollIntervalMs = -1 }},
		{"zero lease", func(c *Config) { c.LeaseDuration = 0 }},
		{"zero max attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"negative rate limit", func(c *Config) { c.IngestRateLimitRPS = -1 }},
		{"negative host rate limit", func(c *Config) { c.HostRateLimitRPS = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{PollIntervalMs: 1000, BatchSize: 50, LeaseDuration: time.Second, MaxAttempts: 5, MaxEventSize: 1}
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
