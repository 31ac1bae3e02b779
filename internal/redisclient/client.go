// Package redisclient builds the shared Redis client used by the fast cache
// tier, the event stream broker, the windowed history and the scheduler lock.
package redisclient

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/featurestore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Options resolves client options from config. REDIS_URL wins; a value that
// does not parse as a URL is used as a plain address.
func Options(cfg config.RedisConfig) *redis.Options {
	if url := strings.TrimSpace(cfg.URL); url != "" {
		opt, err := redis.ParseURL(url)
		if err == nil {
			return opt
		}
		return &redis.Options{Addr: url, Password: cfg.Password, DB: cfg.DB}
	}
	return &redis.Options{
		Addr:     strings.TrimSpace(cfg.Addr),
		Password: strings.TrimSpace(cfg.Password),
		DB:       cfg.DB,
	}
}

func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	log = log.Named("redis")
	opt := Options(cfg.Redis)
	client := redis.NewClient(opt)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis ping failed", zap.String("addr", opt.Addr), zap.Error(err))
				return nil
			}
			log.Info("redis connected", zap.String("addr", opt.Addr), zap.Int("db", opt.DB))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}
