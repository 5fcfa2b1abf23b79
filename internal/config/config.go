// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// MaxHistoryLimit bounds any history read, including REST reads.
const MaxHistoryLimit = 1000

// Config holds all application configuration.
type Config struct {
	Port              string
	DBPath            string
	DatabaseURL       string // postgres:// DSN; empty selects SQLite at DBPath
	AllowedOrigins    []string
	HistoryLimit      int
	StoreTimeout      time.Duration
	OutboundQueueSize int
	PingInterval      time.Duration
	ShutdownTimeout   time.Duration
	LogLevel          slog.Level
	Retry             RetryConfig
}

// RetryConfig controls retries of SQLite writes that hit lock contention.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "3000"),
		DBPath:            getEnv("DB_PATH", "./data/chat.db"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		AllowedOrigins:    getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 50),
		StoreTimeout:      getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		OutboundQueueSize: getEnvInt("OUTBOUND_QUEUE_SIZE", 256),
		PingInterval:      getEnvDuration("PING_INTERVAL", 25*time.Second),
		ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:          getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DatabaseURL == "" && c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty when DATABASE_URL is not set")
	}
	if c.HistoryLimit < 1 || c.HistoryLimit > MaxHistoryLimit {
		return fmt.Errorf("HISTORY_LIMIT must be between 1 and %d", MaxHistoryLimit)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be > 0")
	}
	// A join blocks the read loop for up to STORE_TIMEOUT; keepalive pings
	// cannot complete during that window.
	if c.StoreTimeout >= c.PingInterval {
		return fmt.Errorf("STORE_TIMEOUT (%s) must be shorter than PING_INTERVAL (%s)", c.StoreTimeout, c.PingInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	if c.Retry.DatabaseRetryBaseDelay <= 0 {
		return fmt.Errorf("DB_RETRY_BASE_DELAY must be > 0")
	}
	return nil
}

// UsesPostgres reports whether DATABASE_URL selects the PostgreSQL store.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
