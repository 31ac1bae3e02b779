package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/featurestore/internal/clock"
	"github.com/smallbiznis/featurestore/internal/errs"
	featurecachedomain "github.com/smallbiznis/featurestore/internal/featurecache/domain"
	materializationdomain "github.com/smallbiznis/featurestore/internal/materialization/domain"
	obsmetrics "github.com/smallbiznis/featurestore/internal/observability/metrics"
	"github.com/smallbiznis/featurestore/internal/redisclient"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobRefresh      = "refresh"
	JobRecoverStale = "recover_stale"
	JobPurgeCache   = "purge_cache"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

type Params struct {
	fx.In

	Log              *zap.Logger
	GenID            *snowflake.Node
	Materializations materializationdomain.Service
	Cache            featurecachedomain.Service
	Clock            clock.Clock                  `optional:"true"`
	Locker           *redisclient.Locker          `optional:"true"`
	Metrics          *obsmetrics.SchedulerMetrics `optional:"true"`
	Config           Config                       `optional:"true"`
}

// Scheduler periodically refreshes due offline views, releases interrupted
// refreshes and purges expired cache rows.
type Scheduler struct {
	log              *zap.Logger
	cfg              Config
	genID            *snowflake.Node
	clock            clock.Clock
	materializations materializationdomain.Service
	cache            featurecachedomain.Service
	locker           *redisclient.Locker
	metrics          *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Materializations == nil || p.Cache == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:              p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:              p.Config.withDefaults(),
		genID:            p.GenID,
		clock:            clk,
		materializations: p.Materializations,
		cache:            p.Cache,
		locker:           p.Locker,
		metrics:          m,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := s.withLease(ctx, name, func(ctx context.Context) error {
		return s.safely(ctx, name, fn)
	})
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout, the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Batch   int
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{JobRecoverStale, 0, 30 * time.Second, s.RecoverStaleJob},
		{JobRefresh, s.cfg.BatchSize, s.cfg.JobTimeout, s.RefreshDueJob},
		{JobPurgeCache, s.cfg.PurgeBatchSize, time.Minute, s.PurgeCacheJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Batch, job.Timeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty list runs everything
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RefreshDueJob refreshes one batch of materializations whose schedule is due.
// A refresh already running elsewhere is skipped.
func (s *Scheduler) RefreshDueJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRefresh, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	due, err := s.materializations.ListDueRefreshes(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		s.logJobError(ctx, run, "list due refreshes failed", err)
		return err
	}

	var jobErr error
	processed := 0
	for _, m := range due {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		err := s.materializations.Refresh(ctx, m.ID)
		switch {
		case err == nil:
			processed++
		case errors.Is(err, errs.ErrConflict):
			run.IncSkipped()
			s.logger(ctx).Debug("refresh skipped",
				zap.String("materialization_id", m.ID.String()),
				zap.Error(err),
			)
		default:
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "scheduled refresh failed", err,
				zap.String("materialization_id", m.ID.String()),
				zap.String("tenant_id", m.TenantID),
			)
		}
	}
	run.AddProcessed(processed)
	s.metrics.AddBatchProcessed(JobRefresh, "materialization", processed)
	return jobErr
}

// PurgeCacheJob deletes expired durable cache rows in batches.
func (s *Scheduler) PurgeCacheJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPurgeCache, s.cfg.PurgeBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := s.cache.PurgeExpired(ctx, now, s.cfg.PurgeBatchSize)
		if err != nil {
			s.logJobError(ctx, run, "purge expired cache entries failed", err)
			return err
		}
		run.AddProcessed(int(n))
		s.metrics.AddBatchProcessed(JobPurgeCache, "cache_entry", int(n))
		if n < int64(s.cfg.PurgeBatchSize) {
			return nil
		}
	}
}
