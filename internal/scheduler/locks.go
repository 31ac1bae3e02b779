package scheduler

import (
	"context"
	"time"

	obsmetrics "github.com/smallbiznis/featurestore/internal/observability/metrics"
	"go.uber.org/zap"
)

const lockKeyPrefix = "fs:scheduler:lock:"

// withLease runs fn while holding the job's lease so only one replica runs a
// job at a time. A lease held elsewhere defers the job to the next tick.
func (s *Scheduler) withLease(ctx context.Context, job string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}

	lease, ok, err := s.locker.TryAcquire(ctx, lockKeyPrefix+job, s.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		s.metrics.IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.log.Debug("job lease held elsewhere", zap.String("job", job))
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, lease); err != nil {
			s.log.Warn("failed to release job lease", zap.String("job", job), zap.Error(err))
		}
	}()
	return fn(ctx)
}
