package fasttier

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/featurestore/internal/config"
	"github.com/smallbiznis/featurestore/internal/featurecache/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Client *redis.Client `optional:"true"`
}

// Provide selects the fast tier from CACHE_FAST_TIER.
func Provide(p Params) domain.FastTier {
	if p.Config.Cache.FastTier == "redis" && p.Client != nil {
		return NewRedis(p.Client)
	}
	p.Log.Named("featurecache").Info("using in-process fast tier",
		zap.String("configured", p.Config.Cache.FastTier),
	)
	return NewMemory(p.Config.Cache.DefaultTTL)
}
