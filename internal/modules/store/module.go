package store

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"spot_agent/internal/modules/config"
	"spot_agent/pkg/logger"
)

// Open выбирает бэкенд по store.backend.
func Open(ctx context.Context, cfg config.StoreConfig) (KV, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		kv, err := NewPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return kv, nil
	case "redis":
		kv, err := NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return kv, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func Module() fx.Option {
	return fx.Module("store",
		fx.Provide(
			func(lc fx.Lifecycle, cfg *config.Config) (*Repo, error) {
				kv, err := Open(context.Background(), cfg.Store)
				if err != nil {
					return nil, err
				}
				logger.Info("[STORE] backend=%s prefix=%s", cfg.Store.Backend, cfg.Store.Prefix)
				repo := NewRepo(kv, cfg.Store.Prefix)
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error { return repo.Close() },
				})
				return repo, nil
			},
		),
	)
}
