// Package store selects a quota store implementation from configuration.
package store

import (
	"context"
	"fmt"

	"github.com/warp/quota-engine/config"
	"github.com/warp/quota-engine/quota"
	"github.com/warp/quota-engine/store/memory"
	"github.com/warp/quota-engine/store/postgres"
	"github.com/warp/quota-engine/store/sqlite"
)

// Backend is what the server and the CLI need from a store.
type Backend interface {
	quota.TxStore
	quota.Admin
	Ping(ctx context.Context) error
	Close() error
}

// Open connects the driver named by cfg.StoreDriver and migrates its schema.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, postgres.PoolConfig{ConnString: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

var (
	_ Backend = (*memory.Memory)(nil)
	_ Backend = (*sqlite.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
)
