package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// safely turns a panicking job into an error.
func (s *Scheduler) safely(ctx context.Context, job string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncJobPanic(job)
			s.logger(ctx).Error("scheduler job panicked",
				zap.String("job", job),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("%s panicked: %v", job, r)
		}
	}()
	return fn(ctx)
}

// RecoverStaleJob releases refreshes left running by a crashed replica.
func (s *Scheduler) RecoverStaleJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRecoverStale, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	n, err := s.materializations.RecoverStale(ctx, s.cfg.RecoveryThreshold)
	if err != nil {
		s.logJobError(ctx, run, "recover stale refreshes failed", err)
		return err
	}
	run.AddProcessed(int(n))
	s.metrics.AddBatchProcessed(JobRecoverStale, "materialization", int(n))
	return nil
}
