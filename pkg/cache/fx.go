package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/sessionlane/paylane/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewClient returns a redis client, or nil when REDIS_ADDR is unset.
// Consumers treat a nil client as the feature being disabled.
func NewClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				// Degrade instead of refusing to boot; the DB ledger
				// still provides full dedup.
				log.Warn("redis unreachable, dedup fast path degraded", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Module = fx.Module("cache",
	fx.Provide(NewClient),
)
