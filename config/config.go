// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"sqlite"` // memory | sqlite | postgres
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"quota.db"`
	DatabaseURL string `env:"DATABASE_URL"` // required when STORE_DRIVER=postgres
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`

	// EqualShare selects the equal-share strategy instead of the shared pool.
	EqualShare bool `env:"QUOTA_EQUAL_SHARE" envDefault:"false"`

	// APIToken is the bearer token tenants present. Empty disables auth.
	APIToken      string   `env:"CENTRAL_API_TOKEN"`
	SyncRateLimit float64  `env:"SYNC_RATE_LIMIT" envDefault:"1"`
	CORSOrigins   []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	// MonitorInterval is how often ledger discrepancies are summarised. 0 disables.
	MonitorInterval time.Duration `env:"DISCREPANCY_MONITOR_INTERVAL" envDefault:"1h"`
	// SeedScenario loads a demo scenario at startup (see package seed).
	SeedScenario string `env:"SEED_SCENARIO"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", DriverPostgres)
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q (use memory, sqlite or postgres)", c.StoreDriver)
	}
	if c.MonitorInterval < 0 {
		return fmt.Errorf("DISCREPANCY_MONITOR_INTERVAL must not be negative, got %v", c.MonitorInterval)
	}
	if c.SyncRateLimit <= 0 {
		return fmt.Errorf("SYNC_RATE_LIMIT must be positive, got %v", c.SyncRateLimit)
	}
	return nil
}
