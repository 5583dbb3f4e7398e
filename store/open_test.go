package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/quota-engine/config"
	"github.com/warp/quota-engine/store"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	for _, cfg := range []config.Config{
		{StoreDriver: config.DriverMemory},
		{StoreDriver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "quota.db")},
	} {
		t.Run(cfg.StoreDriver, func(t *testing.T) {
			b, err := store.Open(ctx, cfg)
			require.NoError(t, err)
			defer b.Close()
			assert.NoError(t, b.Ping(ctx))
		})
	}

	_, err := store.Open(ctx, config.Config{StoreDriver: "mysql"})
	assert.ErrorContains(t, err, "unknown store driver")
}
