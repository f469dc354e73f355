// Package config loads server settings from the environment. Command-line
// flags in cmd/server override what Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Backend  string // sqlite | postgres | memory
	DBPath   string // sqlite file
	DBSource string // postgres connection string
	Port     string
	Env      string

	SettleInterval  time.Duration
	DuplicateWindow int

	KafkaBrokers string // comma separated; empty disables publishing
	KafkaTopic   string

	CORSOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Backend:      getenv("LEDGER_BACKEND", BackendSQLite),
		DBPath:       getenv("LEDGER_DB_PATH", "ledger.db"),
		DBSource:     os.Getenv("DB_SOURCE"),
		Port:         getenv("SERVER_PORT", "8080"),
		Env:          getenv("ENVIRONMENT", "development"),
		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:   getenv("KAFKA_TOPIC", "ledger.settlements"),
		CORSOrigins:  splitList(getenv("LEDGER_CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")),
	}

	interval, err := time.ParseDuration(getenv("LEDGER_SETTLE_INTERVAL", "5s"))
	if err != nil {
		return nil, fmt.Errorf("LEDGER_SETTLE_INTERVAL: %w", err)
	}
	cfg.SettleInterval = interval

	window, err := strconv.Atoi(getenv("LEDGER_DUPLICATE_WINDOW", "0"))
	if err != nil {
		return nil, fmt.Errorf("LEDGER_DUPLICATE_WINDOW: %w", err)
	}
	cfg.DuplicateWindow = window

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Call it again after applying
// flag overrides.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("LEDGER_DB_PATH is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.Backend)
	}

	if c.SettleInterval <= 0 {
		return fmt.Errorf("LEDGER_SETTLE_INTERVAL must be positive, got %v", c.SettleInterval)
	}
	if c.DuplicateWindow < 0 {
		return fmt.Errorf("LEDGER_DUPLICATE_WINDOW must not be negative, got %d", c.DuplicateWindow)
	}
	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
