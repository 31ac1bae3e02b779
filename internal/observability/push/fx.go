package push

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/featurestore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Invoke(registerLoop),
)

func registerLoop(lc fx.Lifecycle, cfg config.Config, pusher Pusher, logger *zap.Logger) {
	if pusher == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("metrics.push")

	interval := cfg.Metrics.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting metrics push worker", zap.Duration("interval", interval))
			go func() {
				defer close(done)
				RunForever(ctx, pusher, prometheus.DefaultGatherer, interval, logger)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			// Final flush so short-lived workers still report.
			flushCtx, flushCancel := context.WithTimeout(context.Background(), defaultPushTimeout)
			defer flushCancel()
			if err := pusher.Push(flushCtx, prometheus.DefaultGatherer); err != nil {
				logger.Warn("final metrics push failed", zap.Error(err))
			}
			return nil
		},
	})
}

// RunForever pushes on every tick until ctx is cancelled.
func RunForever(ctx context.Context, pusher Pusher, gatherer prometheus.Gatherer, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := pusher.Push(ctx, gatherer); err != nil {
				logger.Error("periodic metrics push failed", zap.Error(err))
			}
		case <-ctx.Done():
			logger.Info("stopping metrics push worker")
			return
		}
	}
}
