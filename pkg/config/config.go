// Package config loads service configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendFile       = "file"
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendRedis      = "redis"
	BackendClickHouse = "clickhouse"
)

// Config holds all configuration for the service.
type Config struct {
	BLS   BLSConfig
	Gate  GateConfig
	Store StoreConfig
	Redis RedisConfig

	// LookbackYears of history fetched before the target's year.
	LookbackYears int

	// CatalogFile is a JSON series catalog. Empty uses the built-in catalog.
	CatalogFile string

	// Schedule is the cron spec used by serve.
	Schedule string

	MetricsPort string

	LogLevel  string
	LogPretty bool
}

// BLSConfig holds upstream API settings.
type BLSConfig struct {
	APIKey            string
	BaseURL           string
	UserAgent         string
	ChunkSize         int
	DailyQuota        int
	EnforceDailyQuota bool
	RequestsPerSecond float64
	Timeout           time.Duration
	MaxRetries        int
}

// GateConfig holds publication polling settings.
type GateConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

// StoreConfig selects and configures the dataset store.
type StoreConfig struct {
	Backend string
	// DataDir holds the CSV datasets of the file backend.
	DataDir       string
	DatabaseURL   string
	ClickHouseDSN string
}

// RedisConfig is used by the redis store backend and by quota tracking.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Load reads configuration from the environment. Variables already set in the
// environment win over those in env files. With no files given, ./.env is
// loaded if present.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	var p parser
	cfg := &Config{
		BLS: BLSConfig{
			APIKey:            getEnv("BLS_API_KEY", ""),
			BaseURL:           getEnv("BLS_BASE_URL", "https://api.bls.gov/publicAPI/v2"),
			UserAgent:         getEnv("BLS_USER_AGENT", "cpi-ingest/0.1.0"),
			ChunkSize:         p.asInt("BLS_CHUNK_SIZE", 50),
			DailyQuota:        p.asInt("BLS_DAILY_QUOTA", 500),
			EnforceDailyQuota: p.asBool("ENFORCE_DAILY_QUOTA", false),
			RequestsPerSecond: p.asFloat("BLS_REQUESTS_PER_SECOND", 5),
			Timeout:           p.asDuration("HTTP_TIMEOUT", 30*time.Second),
			MaxRetries:        p.asInt("HTTP_MAX_RETRIES", 3),
		},
		Gate: GateConfig{
			MaxAttempts:    p.asInt("GATE_MAX_ATTEMPTS", 12),
			InitialBackoff: p.asDuration("GATE_INITIAL_BACKOFF", 5*time.Minute),
			MaxBackoff:     p.asDuration("GATE_MAX_BACKOFF", 30*time.Minute),
			Multiplier:     p.asFloat("GATE_BACKOFF_MULTIPLIER", 1.0),
			Jitter:         p.asFloat("GATE_JITTER", 0),
		},
		Store: StoreConfig{
			Backend:       strings.ToLower(getEnv("STORE_BACKEND", BackendFile)),
			DataDir:       getEnv("DATA_DIR", "data"),
			DatabaseURL:   getEnv("DATABASE_URL", ""),
			ClickHouseDSN: getEnv("CLICKHOUSE_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       p.asInt("REDIS_DB", 0),
		},
		LookbackYears: p.asInt("LOOKBACK_YEARS", 1),
		CatalogFile:   getEnv("CATALOG_FILE", ""),
		Schedule:      getEnv("SCHEDULE", "CRON_TZ=America/New_York 30 8 * * *"),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogPretty:     p.asBool("LOG_PRETTY", false),
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and backend requirements.
func (c *Config) Validate() error {
	var errs []error

	if c.BLS.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("BLS_CHUNK_SIZE must be >= 1"))
	}
	if c.BLS.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("BLS_REQUESTS_PER_SECOND must be > 0"))
	}
	if c.BLS.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("HTTP_MAX_RETRIES must be >= 1"))
	}
	if c.BLS.EnforceDailyQuota && !c.Redis.Enabled() {
		errs = append(errs, fmt.Errorf("ENFORCE_DAILY_QUOTA requires REDIS_ADDR"))
	}
	if c.Gate.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("GATE_MAX_ATTEMPTS must be >= 1"))
	}
	if c.Gate.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("GATE_BACKOFF_MULTIPLIER must be >= 1"))
	}
	if c.LookbackYears < 1 {
		errs = append(errs, fmt.Errorf("LOOKBACK_YEARS must be >= 1"))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.DataDir == "" {
			errs = append(errs, fmt.Errorf("DATA_DIR is required for the file backend"))
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the postgres backend"))
		}
	case BackendRedis:
		if !c.Redis.Enabled() {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required for the redis backend"))
		}
	case BackendClickHouse:
		if c.Store.ClickHouseDSN == "" {
			errs = append(errs, fmt.Errorf("CLICKHOUSE_DSN is required for the clickhouse backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of: file, memory, postgres, redis, clickhouse (got %q)", c.Store.Backend))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser collects conversion errors so all bad variables are reported at once.
type parser struct {
	errs []error
}

func (p *parser) asInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func (p *parser) asFloat(key string, defaultValue float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func (p *parser) asBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func (p *parser) asDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}
