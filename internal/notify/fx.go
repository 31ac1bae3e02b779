package notify

import (
	"context"

	"github.com/smallbiznis/featurestore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notify",
	fx.Provide(New),
)

// New selects the NATS publisher when enabled and falls back to logging.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	if !cfg.NATS.Enabled {
		return NewLogPublisher(log)
	}

	publisher, err := NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.SubjectPrefix, log)
	if err != nil {
		log.Warn("nats unavailable, notifications go to the log", zap.Error(err))
		return NewLogPublisher(log)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			publisher.Close(ctx)
			return nil
		},
	})
	return publisher
}
