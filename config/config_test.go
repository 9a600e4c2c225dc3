package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"DATABASE_URL", "LEDGER_DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"JWT_SECRET", "HTTP_ADDR", "POLICY_DIR", "DEFAULT_JURISDICTION",
	"SYNC_INTERVAL", "SWEEP_INTERVAL", "PTP_GRACE",
	"DISPATCH_RPS", "DISPATCH_WORKERS", "DISPATCH_QUEUE",
	"OTEL_ENABLED", "LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "", cfg.DatabaseURL)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "default", cfg.DefaultJurisdiction)
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 24*time.Hour, cfg.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.PTPGrace)
	assert.Equal(t, 5.0, cfg.DispatchRPS)
	assert.Equal(t, 4, cfg.DispatchWorkers)
	assert.Equal(t, 256, cfg.DispatchQueue)
	assert.False(t, cfg.OTelEnabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://app@db/collections")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DEFAULT_JURISDICTION", "ID")
	t.Setenv("SYNC_INTERVAL", "5m")
	t.Setenv("PTP_GRACE", "36h")
	t.Setenv("DISPATCH_RPS", "2.5")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://app@db/collections", cfg.LedgerDatabaseURL, "ledger defaults to the main database")
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "id", cfg.DefaultJurisdiction)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 36*time.Hour, cfg.PTPGrace)
	assert.Equal(t, 2.5, cfg.DispatchRPS)
	assert.True(t, cfg.OTelEnabled)
	assert.Equal(t, "console", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidValues(t *testing.T) {
	for key, value := range map[string]string{
		"SYNC_INTERVAL": "fifteen",
		"DISPATCH_RPS":  "fast",
		"OTEL_ENABLED":  "maybe",
		"REDIS_DB":      "one",
	} {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	require.Error(t, cfg.Validate(), "missing database url")

	cfg.DatabaseURL = "postgres://x"
	require.Error(t, cfg.Validate(), "missing jwt secret")

	cfg.JWTSecret = "k"
	require.NoError(t, cfg.Validate())

	cfg.DispatchWorkers = 0
	require.Error(t, cfg.Validate())
}
