package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/featurestore/internal/clock"
	"github.com/smallbiznis/featurestore/internal/errs"
	featuresetdomain "github.com/smallbiznis/featurestore/internal/featureset/domain"
	"github.com/smallbiznis/featurestore/internal/featurespec"
	"github.com/smallbiznis/featurestore/internal/materialization/domain"
	"github.com/smallbiznis/featurestore/internal/materialization/guard"
	"github.com/smallbiznis/featurestore/internal/notify"
	"github.com/smallbiznis/featurestore/internal/observability/metrics"
	"github.com/smallbiznis/featurestore/internal/observability/tracing"
	"github.com/smallbiznis/featurestore/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        domain.Repository
	Views       domain.ViewStore
	FeatureSets featuresetdomain.Service
	Notifier    notify.Publisher
	Clock       clock.Clock      `optional:"true"`
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	views       domain.ViewStore
	featureSets featuresetdomain.Service
	notifier    notify.Publisher
	clock       clock.Clock
	metrics     *metrics.Metrics
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("materialization.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		views:       p.Views,
		featureSets: p.FeatureSets,
		notifier:    p.Notifier,
		clock:       clk,
		metrics:     p.Metrics,
	}
}

func (s *Service) MaterializeOffline(ctx context.Context, req domain.OfflineRequest) (*domain.OfflineResult, error) {
	if req.Mode == "" {
		req.Mode = domain.ModeOffline
	}
	ctx, span := tracing.Start(ctx, "materialization.offline",
		attribute.String("tenant_id", req.TenantID),
		attribute.String("feature_set_id", req.FeatureSetID.String()),
		attribute.String("mode", string(req.Mode)),
	)
	result, err := s.materializeOffline(ctx, req)
	tracing.End(span, err)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.RecordMaterialization(ctx, req.TenantID, string(req.Mode), outcome)
	return result, err
}

func (s *Service) materializeOffline(ctx context.Context, req domain.OfflineRequest) (*domain.OfflineResult, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	if !req.Mode.Valid() || !req.Mode.Offline() {
		return nil, guard.ErrInvalidMode
	}
	schedule := strings.TrimSpace(req.Schedule)
	if err := guard.EnsureSchedule(schedule); err != nil {
		return nil, err
	}

	set, err := s.featureSets.Get(ctx, tenantID, req.FeatureSetID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSlotsFree(ctx, set.ID, req.Mode); err != nil {
		return nil, err
	}

	started := s.clock.Now()
	result, err := s.runOffline(ctx, set, req.Mode, schedule, started)
	if err != nil {
		s.log.Error("offline materialization failed",
			zap.String("tenant_id", tenantID),
			zap.String("feature_set_id", set.ID.String()),
			zap.Error(err),
		)
		if !errors.Is(err, errs.ErrConflict) {
			s.recordFailure(ctx, set, req.Mode, started, err)
		}
		return nil, err
	}

	s.log.Info("offline materialization completed",
		zap.String("tenant_id", tenantID),
		zap.String("feature_set_id", set.ID.String()),
		zap.String("materialization_id", result.MaterializationID.String()),
		zap.String("view_name", result.ViewName),
	)
	s.publish(ctx, notify.Event{
		Type:       notify.TypeMaterializationCompleted,
		TenantID:   tenantID,
		OccurredAt: s.clock.Now(),
		Payload: map[string]any{
			"feature_set_id":     set.ID.String(),
			"materialization_id": result.MaterializationID.String(),
			"view_name":          result.ViewName,
			"mode":               string(req.Mode),
		},
	})
	return result, nil
}

func (s *Service) ensureSlotsFree(ctx context.Context, featureSetID snowflake.ID, mode domain.Mode) error {
	existing, err := s.repo.FindBlockingOffline(ctx, s.db, featureSetID)
	if err != nil {
		return errs.Store("find offline materialization", err)
	}
	if existing != nil {
		return errs.Conflict("materialization", featureSetID.String(),
			"offline materialization "+existing.ID.String()+" is "+string(existing.Status))
	}
	if !mode.Online() {
		return nil
	}
	existing, err = s.repo.FindBlockingOnline(ctx, s.db, featureSetID)
	if err != nil {
		return errs.Store("find online materialization", err)
	}
	if existing != nil {
		return errs.Conflict("materialization", featureSetID.String(),
			"online materialization "+existing.ID.String()+" is "+string(existing.Status))
	}
	return nil
}

// runOffline compiles and creates the view, then records the job, the view
// metadata and the activation of the feature set in one transaction.
func (s *Service) runOffline(ctx context.Context, set *featuresetdomain.FeatureSet, mode domain.Mode, schedule string, started time.Time) (*domain.OfflineResult, error) {
	spec, err := set.DecodeSpec()
	if err != nil {
		return nil, errs.Spec("spec", "stored spec is unreadable: "+err.Error())
	}
	viewName, query, err := featurespec.Compile(spec)
	if err != nil {
		return nil, err
	}

	owned, err := s.ownedView(ctx, set, viewName)
	if err != nil {
		return nil, err
	}

	physical := featurespec.PhysicalViewName(set.TenantID, spec)
	method, err := s.views.Create(ctx, s.db, physical, query)
	if err != nil {
		return nil, errs.Store("create view", err)
	}
	stats, err := s.views.Stats(ctx, s.db, physical)
	if err != nil {
		return nil, errs.Store("inspect view", err)
	}

	now := s.clock.Now()
	duration := now.Sub(started).Milliseconds()
	m := &domain.Materialization{
		ID:             s.genID.Generate(),
		TenantID:       set.TenantID,
		FeatureSetID:   set.ID,
		Mode:           mode,
		Status:         domain.StatusCompleted,
		LastRunAt:      &started,
		LastDurationMs: &duration,
		RowsProcessed:  stats.RowCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if schedule != "" {
		m.Schedule = &schedule
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Create(ctx, tx, m); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errs.Conflict("materialization", set.ID.String(), "offline materialization already exists")
			}
			return err
		}

		if owned != nil {
			owned.FeatureSetID = set.ID
			owned.MaterializationID = m.ID
			owned.ViewSQL = query
			owned.RefreshMethod = method
			owned.LastRefreshedAt = &now
			owned.RowCount = stats.RowCount
			owned.SizeBytes = stats.SizeBytes
			owned.UpdatedAt = now
			if err := s.repo.UpdateView(ctx, tx, owned); err != nil {
				return err
			}
		} else {
			view := &domain.FeatureView{
				ID:                s.genID.Generate(),
				TenantID:          set.TenantID,
				ViewName:          viewName,
				PhysicalName:      physical,
				FeatureSetID:      set.ID,
				MaterializationID: m.ID,
				ViewSQL:           query,
				RefreshMethod:     method,
				LastRefreshedAt:   &now,
				RowCount:          stats.RowCount,
				SizeBytes:         stats.SizeBytes,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if err := s.repo.CreateView(ctx, tx, view); err != nil {
				return err
			}
		}

		return s.featureSets.Activate(ctx, tx, set.TenantID, set.ID)
	})
	if err != nil {
		return nil, errs.Store("record materialization", err)
	}

	return &domain.OfflineResult{ViewName: viewName, MaterializationID: m.ID}, nil
}

// ownedView returns the set's existing metadata row for viewName, left behind
// by an earlier failed or cancelled run. A row held by another set of the
// same tenant (names that sanitize alike) is a conflict.
func (s *Service) ownedView(ctx context.Context, set *featuresetdomain.FeatureSet, viewName string) (*domain.FeatureView, error) {
	view, err := s.repo.FindViewByName(ctx, s.db, set.TenantID, viewName)
	if err != nil {
		return nil, errs.Store("find feature view", err)
	}
	if view != nil && view.FeatureSetID != set.ID {
		return nil, errs.Conflict("feature_view", viewName,
			"name is held by feature set "+view.FeatureSetID.String())
	}
	return view, nil
}

func (s *Service) recordFailure(ctx context.Context, set *featuresetdomain.FeatureSet, mode domain.Mode, started time.Time, cause error) {
	now := s.clock.Now()
	msg := cause.Error()
	m := &domain.Materialization{
		ID:           s.genID.Generate(),
		TenantID:     set.TenantID,
		FeatureSetID: set.ID,
		Mode:         mode,
		Status:       domain.StatusFailed,
		LastRunAt:    &started,
		ErrorMessage: &msg,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, s.db, m); err != nil {
		s.log.Warn("failed to record failed materialization",
			zap.String("tenant_id", set.TenantID),
			zap.String("feature_set_id", set.ID.String()),
			zap.Error(err),
		)
	}
	s.publish(ctx, notify.Event{
		Type:       notify.TypeMaterializationFailed,
		TenantID:   set.TenantID,
		OccurredAt: now,
		Payload: map[string]any{
			"feature_set_id":     set.ID.String(),
			"materialization_id": m.ID.String(),
			"error":              msg,
		},
	})
}

func (s *Service) Refresh(ctx context.Context, id snowflake.ID) error {
	ctx, span := tracing.Start(ctx, "materialization.refresh", attribute.String("materialization_id", id.String()))
	tenantID, err := s.refresh(ctx, id)
	tracing.End(span, err)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.RecordRefresh(ctx, tenantID, outcome)
	return err
}

func (s *Service) refresh(ctx context.Context, id snowflake.ID) (string, error) {
	m, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return "", errs.Store("find materialization", err)
	}
	if m == nil {
		return "", errs.NotFound("materialization", id.String())
	}
	if err := guard.EnsureCanRefresh(*m); err != nil {
		return m.TenantID, errs.Conflict("materialization", id.String(), err.Error())
	}
	view, err := s.repo.FindViewByMaterialization(ctx, s.db, id)
	if err != nil {
		return m.TenantID, errs.Store("find feature view", err)
	}
	if view == nil {
		return m.TenantID, errs.NotFound("feature_view", id.String())
	}

	started := s.clock.Now()
	claimed, err := s.repo.Claim(ctx, s.db, id, started)
	if err != nil {
		return m.TenantID, errs.Store("claim materialization", err)
	}
	if !claimed {
		return m.TenantID, errs.Conflict("materialization", id.String(), guard.ErrAlreadyRunning.Error())
	}

	stats, runErr := s.runRefresh(ctx, view.PhysicalName)
	finished := s.clock.Now()
	duration := finished.Sub(started).Milliseconds()
	m.LastRunAt = &started
	m.LastDurationMs = &duration
	m.UpdatedAt = finished

	if runErr == nil {
		m.Status = domain.StatusCompleted
		m.ErrorMessage = nil
		m.RowsProcessed = stats.RowCount
		m.RowsFailed = 0

		view.LastRefreshedAt = &finished
		view.RowCount = stats.RowCount
		view.SizeBytes = stats.SizeBytes
		view.UpdatedAt = finished

		runErr = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.repo.Update(ctx, tx, m); err != nil {
				return err
			}
			return s.repo.UpdateView(ctx, tx, view)
		})
		if runErr == nil {
			s.log.Info("materialization refreshed",
				zap.String("tenant_id", m.TenantID),
				zap.String("materialization_id", id.String()),
				zap.Int64("rows", stats.RowCount),
				zap.Int64("duration_ms", duration),
			)
			return m.TenantID, nil
		}
	}

	msg := runErr.Error()
	m.Status = domain.StatusFailed
	m.ErrorMessage = &msg
	if err := s.repo.Update(ctx, s.db, m); err != nil {
		s.log.Warn("failed to record refresh failure",
			zap.String("materialization_id", id.String()),
			zap.Error(err),
		)
	}
	s.log.Error("materialization refresh failed",
		zap.String("tenant_id", m.TenantID),
		zap.String("materialization_id", id.String()),
		zap.Error(runErr),
	)
	s.publish(ctx, notify.Event{
		Type:       notify.TypeMaterializationFailed,
		TenantID:   m.TenantID,
		OccurredAt: finished,
		Payload: map[string]any{
			"feature_set_id":     m.FeatureSetID.String(),
			"materialization_id": id.String(),
			"error":              msg,
		},
	})
	return m.TenantID, errs.Store("refresh view", runErr)
}

func (s *Service) runRefresh(ctx context.Context, viewName string) (domain.ViewStats, error) {
	if err := s.views.Refresh(ctx, s.db, viewName); err != nil {
		return domain.ViewStats{}, err
	}
	return s.views.Stats(ctx, s.db, viewName)
}

func (s *Service) EnableOnline(ctx context.Context, tenantID string, featureSetID snowflake.ID) (*domain.Materialization, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	set, err := s.featureSets.Get(ctx, tenantID, featureSetID)
	if err != nil {
		return nil, err
	}
	if set.Status != featuresetdomain.StatusActive {
		return nil, featuresetdomain.ErrNotActive
	}

	existing, err := s.repo.FindBlockingOnline(ctx, s.db, set.ID)
	if err != nil {
		return nil, errs.Store("find online materialization", err)
	}
	if existing != nil {
		return nil, errs.Conflict("materialization", set.ID.String(),
			"online materialization "+existing.ID.String()+" is "+string(existing.Status))
	}

	now := s.clock.Now()
	m := &domain.Materialization{
		ID:           s.genID.Generate(),
		TenantID:     tenantID,
		FeatureSetID: set.ID,
		Mode:         domain.ModeOnline,
		Status:       domain.StatusRunning,
		LastRunAt:    &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, s.db, m); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, errs.Conflict("materialization", set.ID.String(), "online materialization already exists")
		}
		return nil, errs.Store("create online materialization", err)
	}

	s.metrics.RecordMaterialization(ctx, tenantID, string(domain.ModeOnline), "ok")
	s.log.Info("online materialization enabled",
		zap.String("tenant_id", tenantID),
		zap.String("feature_set_id", set.ID.String()),
		zap.String("materialization_id", m.ID.String()),
	)
	return m, nil
}

func (s *Service) DisableOnline(ctx context.Context, tenantID string, id snowflake.ID) (*domain.Materialization, error) {
	m, err := s.GetMaterialization(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := guard.EnsureCanDisableOnline(*m); err != nil {
		return nil, err
	}
	m.Status = domain.StatusCancelled
	m.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, m); err != nil {
		return nil, errs.Store("disable online materialization", err)
	}
	return m, nil
}

func (s *Service) SetSchedule(ctx context.Context, tenantID string, id snowflake.ID, schedule string) (*domain.Materialization, error) {
	schedule = strings.TrimSpace(schedule)
	if err := guard.EnsureSchedule(schedule); err != nil {
		return nil, err
	}
	m, err := s.GetMaterialization(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !m.Mode.Offline() {
		return nil, guard.ErrNotOffline
	}

	if schedule == "" {
		m.Schedule = nil
	} else {
		m.Schedule = &schedule
	}
	m.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, m); err != nil {
		return nil, errs.Store("update schedule", err)
	}
	return m, nil
}

func (s *Service) GetMaterialization(ctx context.Context, tenantID string, id snowflake.ID) (*domain.Materialization, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	m, err := s.repo.FindByTenant(ctx, s.db, tenantID, id)
	if err != nil {
		return nil, errs.Store("get materialization", err)
	}
	if m == nil {
		return nil, errs.NotFound("materialization", id.String())
	}
	return m, nil
}

func (s *Service) ListMaterializations(ctx context.Context, tenantID string, featureSetID snowflake.ID) ([]domain.Materialization, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	items, err := s.repo.ListByFeatureSet(ctx, s.db, tenantID, featureSetID)
	if err != nil {
		return nil, errs.Store("list materializations", err)
	}
	return items, nil
}

func (s *Service) GetView(ctx context.Context, tenantID string, featureSetID snowflake.ID) (*domain.FeatureView, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	view, err := s.repo.FindViewByFeatureSet(ctx, s.db, tenantID, featureSetID)
	if err != nil {
		return nil, errs.Store("get feature view", err)
	}
	if view == nil {
		return nil, errs.NotFound("feature_view", featureSetID.String())
	}
	return view, nil
}

func (s *Service) ListActiveOnline(ctx context.Context) ([]domain.Materialization, error) {
	items, err := s.repo.ListActiveOnline(ctx, s.db)
	if err != nil {
		return nil, errs.Store("list online materializations", err)
	}
	return items, nil
}

func (s *Service) ListDueRefreshes(ctx context.Context, now time.Time, limit int) ([]domain.Materialization, error) {
	items, err := s.repo.ListScheduled(ctx, s.db)
	if err != nil {
		return nil, errs.Store("list scheduled materializations", err)
	}
	due := make([]domain.Materialization, 0, len(items))
	for _, m := range items {
		at, ok := m.DueAt()
		if !ok || at.After(now) {
			continue
		}
		due = append(due, m)
		if limit > 0 && len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *Service) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.clock.Now()
	n, err := s.repo.ReleaseStale(ctx, s.db, now.Add(-olderThan), now, "refresh interrupted")
	if err != nil {
		return 0, errs.Store("recover stale materializations", err)
	}
	if n > 0 {
		s.log.Warn("released interrupted refreshes", zap.Int64("count", n), zap.Duration("older_than", olderThan))
	}
	return n, nil
}

func (s *Service) FetchEntityRow(ctx context.Context, tenantID string, featureSetID snowflake.ID, entityID string) (map[string]any, bool, error) {
	view, err := s.GetView(ctx, tenantID, featureSetID)
	if err != nil {
		return nil, false, err
	}
	row, ok, err := s.views.FetchEntityRow(ctx, s.db, view.PhysicalName, view.TenantID, entityID)
	if err != nil {
		return nil, false, errs.Store("read feature view", err)
	}
	return row, ok, nil
}

func (s *Service) publish(ctx context.Context, event notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, event); err != nil {
		s.log.Warn("failed to publish notification",
			zap.String("event_type", event.Type),
			zap.String("tenant_id", event.TenantID),
			zap.Error(err),
		)
	}
}
