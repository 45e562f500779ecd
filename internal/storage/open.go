package storage

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/config"
)

// Open connects the backend selected in cfg, preparing its schema.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		ps, err := NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return nil, err
			}
			logger.Info("migrations applied")
		}
		return ps, nil
	case config.BackendMongo:
		ms, err := NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := ms.EnsureIndexes(ctx); err != nil {
			_ = ms.Close()
			return nil, err
		}
		return ms, nil
	}
	return NewMemoryStore(), nil
}
