// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings.
	Store       string // "memory", "postgres" or "sqlite".
	DatabaseURL string // PgBouncer or direct Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY. Empty disables the event relay.
	SQLitePath  string

	// Event bus settings.
	EventHistorySize      int
	MaxConcurrentHandlers int
	EventDedupWindow      time.Duration

	// Routing settings.
	RouteMinScore float64
	SeedFile      string // Optional YAML file of circles and members applied at startup.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Rate limiting. A zero rate disables the limiter.
	RateLimitRPS   float64
	RateLimitBurst int
	TrustProxy     bool // Key rate limits on X-Forwarded-For.

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
	ShutdownTimeout     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}
	flag := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}
	frac := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:                  num("GATHERING_PORT", 8080),
		ReadTimeout:           dur("GATHERING_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:          dur("GATHERING_WRITE_TIMEOUT", 30*time.Second),
		Store:                 strings.ToLower(envStr("GATHERING_STORE", StoreMemory)),
		DatabaseURL:           envStr("DATABASE_URL", ""),
		NotifyURL:             envStr("NOTIFY_URL", ""),
		SQLitePath:            envStr("GATHERING_SQLITE_PATH", "data/gathering.db"),
		EventHistorySize:      num("GATHERING_EVENT_HISTORY", 1000),
		MaxConcurrentHandlers: num("GATHERING_MAX_CONCURRENT_HANDLERS", 100),
		EventDedupWindow:      dur("GATHERING_EVENT_DEDUP_WINDOW", 0),
		RouteMinScore:         frac("GATHERING_ROUTE_MIN_SCORE", 0),
		SeedFile:              envStr("GATHERING_SEED_FILE", ""),
		OTELEndpoint:          envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:           envStr("OTEL_SERVICE_NAME", "gathering"),
		OTELInsecure:          flag("GATHERING_OTEL_INSECURE", false),
		RateLimitRPS:          frac("GATHERING_RATE_LIMIT_RPS", 0),
		RateLimitBurst:        num("GATHERING_RATE_LIMIT_BURST", 20),
		TrustProxy:            flag("GATHERING_TRUST_PROXY", false),
		LogLevel:              envStr("GATHERING_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:   int64(num("GATHERING_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		ShutdownTimeout:       dur("GATHERING_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when GATHERING_STORE=postgres")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: GATHERING_SQLITE_PATH is required when GATHERING_STORE=sqlite")
		}
	default:
		return fmt.Errorf("config: GATHERING_STORE=%q must be memory, postgres or sqlite", c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: GATHERING_PORT must be between 1 and 65535")
	}
	if c.EventHistorySize <= 0 {
		return fmt.Errorf("config: GATHERING_EVENT_HISTORY must be positive")
	}
	if c.MaxConcurrentHandlers <= 0 {
		return fmt.Errorf("config: GATHERING_MAX_CONCURRENT_HANDLERS must be positive")
	}
	if c.EventDedupWindow < 0 {
		return fmt.Errorf("config: GATHERING_EVENT_DEDUP_WINDOW must not be negative")
	}
	if c.RouteMinScore < 0 || c.RouteMinScore >= 1 {
		return fmt.Errorf("config: GATHERING_ROUTE_MIN_SCORE must be in [0, 1)")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("config: GATHERING_RATE_LIMIT_RPS must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: GATHERING_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: GATHERING_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
