package stream

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/featurestore/internal/clock"
	"github.com/smallbiznis/featurestore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("stream",
	fx.Provide(
		fx.Annotate(NewRedisBroker, fx.As(new(Broker))),
		provideHistory,
		fx.Annotate(NewServiceCatalog, fx.As(new(Catalog))),
		NewIndex,
		provideComputer,
		NewProcessor,
	),
	fx.Invoke(registerLifecycle),
)

func provideHistory(client *redis.Client) History {
	return NewRedisHistory(client, DefaultHistoryRetention)
}

type computerParams struct {
	fx.In

	History History
	Clock   clock.Clock `optional:"true"`
}

func provideComputer(p computerParams) *Computer {
	return NewComputer(p.History, p.Clock)
}

func registerLifecycle(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, processor *Processor) {
	if !cfg.Stream.Enabled {
		log.Info("stream processor disabled")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return processor.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return processor.Stop(ctx)
		},
	})
}
