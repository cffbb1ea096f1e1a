package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/journal-tracker/internal/config"
)

// Namespace scopes shared keys and change channels of the session agent.
const Namespace = "journal_tracker"

// Open builds the shared store selected by cfg.Session.Store for origin.
func Open(ctx context.Context, cfg config.Config, origin string, logger *zap.Logger) (Store, error) {
	namespace := Namespace
	switch cfg.Session.Store {
	case config.StoreMemory:
		logger.Warn("memory session store selected; sessions are not shared across processes")
		return NewMemoryHub().Tab(origin), nil
	case config.StoreFile:
		return NewFileStore(cfg.Session.FileDir, origin, logger)
	case config.StoreRedis:
		return NewRedisStore(NewRedisClient(cfg.Redis, logger), namespace, origin, logger), nil
	case config.StorePostgres:
		pool, err := NewPostgresPool(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.Postgres.RunMigrations {
			if err := RunMigrations(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return NewPostgresStore(pool, namespace, origin, logger), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Session.Store)
	}
}
