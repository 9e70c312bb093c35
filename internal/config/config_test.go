package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.SagaHeartbeatTimeout)
	assert.Equal(t, 1, cfg.SagaResumeBudget)
	assert.Equal(t, "created_at", cfg.AllocationTieBreak)
	assert.Equal(t, 3, cfg.ReconcileDateWindowDays)
	assert.Equal(t, time.Hour, cfg.PeriodCheckInterval)
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SAGA_HEARTBEAT_TIMEOUT", "1m")
	t.Setenv("SAGA_RESUME_BUDGET", "5")
	t.Setenv("ALLOCATION_PRIORITY", "fees,rent")
	t.Setenv("ALLOCATION_TIE_BREAK", "charge_id")
	t.Setenv("GATEWAY_URL", "https://gateway.example")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, time.Minute, cfg.SagaHeartbeatTimeout)
	assert.Equal(t, 5, cfg.SagaResumeBudget)
	assert.Equal(t, "fees,rent", cfg.AllocationPriority)
	assert.Equal(t, "charge_id", cfg.AllocationTieBreak)
	assert.Equal(t, "https://gateway.example", cfg.GatewayURL)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	t.Setenv("ALLOCATION_TIE_BREAK", "random")
	t.Setenv("SAGA_HEARTBEAT_INTERVAL", "1m")
	t.Setenv("OTEL_ENABLED", "true")

	_, err := Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALLOCATION_TIE_BREAK")
	assert.Contains(t, err.Error(), "SAGA_HEARTBEAT_INTERVAL")
	assert.Contains(t, err.Error(), "OTEL_ENDPOINT")
}

func TestParseRejectsMalformedDuration(t *testing.T) {
	t.Setenv("EVENT_LEASE_TTL", "soon")

	_, err := Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ORG_ID=acme\nCURRENCY=EUR\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		os.Unsetenv("ORG_ID")
		os.Unsetenv("CURRENCY")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.OrgID)
	assert.Equal(t, "EUR", cfg.Currency)
}

func TestLoadWithoutDotEnv(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	_, err = Load()
	assert.NoError(t, err)
}
