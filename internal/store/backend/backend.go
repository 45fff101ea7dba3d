// Package backend opens the Store selected by configuration.
package backend

import (
	"context"
	"fmt"

	"taskq-worker/internal/config"
	"taskq-worker/internal/db"
	"taskq-worker/internal/store"
	"taskq-worker/internal/store/memory"
	"taskq-worker/internal/store/postgres"
	"taskq-worker/internal/store/sqlite"
)

// Open connects to the configured backend and ensures its schema exists.
func Open(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DSN())
		if err != nil {
			return nil, err
		}
		s := postgres.New(pool, cfg.ListenNotify)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	case config.BackendSQLite:
		return sqlite.Open(cfg.SQLitePath)
	case config.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
