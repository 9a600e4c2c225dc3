// Package config reads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the service configuration.
type Config struct {
	DatabaseURL       string
	LedgerDatabaseURL string
	DBMaxConns        int

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	HTTPAddr  string
	JWTSecret string

	PolicyDir           string
	DefaultJurisdiction string

	SyncInterval  time.Duration
	SweepInterval time.Duration
	PTPGrace      time.Duration

	DispatchRPS     float64
	DispatchWorkers int
	DispatchQueue   int

	OTelEnabled bool

	Log struct {
		Level  string
		Format string
	}
}

// Load reads the configuration, applying defaults for unset variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = getEnv("DATABASE_URL", "")
	cfg.LedgerDatabaseURL = getEnv("LEDGER_DATABASE_URL", cfg.DatabaseURL)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")

	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")
	cfg.JWTSecret = getEnv("JWT_SECRET", "")

	cfg.PolicyDir = getEnv("POLICY_DIR", "")
	cfg.DefaultJurisdiction = strings.ToLower(getEnv("DEFAULT_JURISDICTION", "default"))

	var err error
	if cfg.Redis.DB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.DBMaxConns, err = getInt("DB_MAX_CONNS", 10); err != nil {
		return nil, err
	}
	if cfg.SyncInterval, err = getDuration("SYNC_INTERVAL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.PTPGrace, err = getDuration("PTP_GRACE", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.DispatchRPS, err = getFloat("DISPATCH_RPS", 5); err != nil {
		return nil, err
	}
	if cfg.DispatchWorkers, err = getInt("DISPATCH_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.DispatchQueue, err = getInt("DISPATCH_QUEUE", 256); err != nil {
		return nil, err
	}
	if cfg.OTelEnabled, err = getBool("OTEL_ENABLED", false); err != nil {
		return nil, err
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// Validate checks the settings the API server cannot start without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if c.SyncInterval <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("config: job intervals must be positive")
	}
	if c.PTPGrace < 0 {
		return fmt.Errorf("config: PTP_GRACE must not be negative")
	}
	if c.DispatchRPS <= 0 || c.DispatchWorkers <= 0 || c.DispatchQueue <= 0 {
		return fmt.Errorf("config: dispatch rate, workers and queue must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}
