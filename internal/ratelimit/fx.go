package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/keylinehq/keyline/internal/clock"
	"github.com/keylinehq/keyline/internal/config"
)

var Module = fx.Module("ratelimit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLimiter),
	fx.Provide(NewGuard),
	fx.Provide(NewLocker),
)

// NewRedisClient returns nil when no redis address is configured;
// consumers fall back to in-process behavior.
func NewRedisClient(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func NewLimiter(client *redis.Client, clk clock.Clock) Limiter {
	if client == nil {
		return NewMemoryBucket(clk)
	}
	return NewTokenBucket(client)
}
