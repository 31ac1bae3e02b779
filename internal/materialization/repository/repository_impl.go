package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/featurestore/internal/materialization/domain"
	"gorm.io/gorm"
)

const materializationColumns = `id, tenant_id, feature_set_id, mode, schedule, status, last_run_at, last_duration_ms,
	rows_processed, rows_failed, error_message, created_at, updated_at`

const viewColumns = `id, tenant_id, view_name, physical_name, feature_set_id, materialization_id, view_sql, refresh_method,
	last_refreshed_at, size_bytes, row_count, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, m *domain.Materialization) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO materializations (`+materializationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.TenantID,
		m.FeatureSetID,
		m.Mode,
		m.Schedule,
		m.Status,
		m.LastRunAt,
		m.LastDurationMs,
		m.RowsProcessed,
		m.RowsFailed,
		m.ErrorMessage,
		m.CreatedAt,
		m.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, m *domain.Materialization) error {
	if m == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Exec(
		`UPDATE materializations
		 SET schedule = ?, status = ?, last_run_at = ?, last_duration_ms = ?, rows_processed = ?,
		     rows_failed = ?, error_message = ?, updated_at = ?
		 WHERE id = ?`,
		m.Schedule,
		m.Status,
		m.LastRunAt,
		m.LastDurationMs,
		m.RowsProcessed,
		m.RowsFailed,
		m.ErrorMessage,
		m.UpdatedAt,
		m.ID,
	).Error
}

func (r *repo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE materializations SET status = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		domain.StatusRunning,
		now,
		id,
		domain.StatusRunning,
		domain.StatusCancelled,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ReleaseStale(ctx context.Context, db *gorm.DB, cutoff, now time.Time, reason string) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE materializations SET status = ?, error_message = ?, updated_at = ?
		 WHERE status = ? AND mode IN (?, ?) AND updated_at < ?`,
		domain.StatusPending,
		reason,
		now,
		domain.StatusRunning,
		domain.ModeOffline,
		domain.ModeBoth,
		cutoff,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Materialization, error) {
	return r.findOne(ctx, db,
		`SELECT `+materializationColumns+` FROM materializations WHERE id = ?`,
		id,
	)
}

func (r *repo) FindByTenant(ctx context.Context, db *gorm.DB, tenantID string, id snowflake.ID) (*domain.Materialization, error) {
	return r.findOne(ctx, db,
		`SELECT `+materializationColumns+` FROM materializations WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)
}

func (r *repo) FindBlockingOffline(ctx context.Context, db *gorm.DB, featureSetID snowflake.ID) (*domain.Materialization, error) {
	return r.findOne(ctx, db,
		`SELECT `+materializationColumns+` FROM materializations
		 WHERE feature_set_id = ? AND mode IN (?, ?) AND status NOT IN (?, ?)
		 ORDER BY id DESC LIMIT 1`,
		featureSetID,
		domain.ModeOffline, domain.ModeBoth,
		domain.StatusFailed, domain.StatusCancelled,
	)
}

func (r *repo) FindBlockingOnline(ctx context.Context, db *gorm.DB, featureSetID snowflake.ID) (*domain.Materialization, error) {
	return r.findOne(ctx, db,
		`SELECT `+materializationColumns+` FROM materializations
		 WHERE feature_set_id = ? AND mode IN (?, ?) AND status NOT IN (?, ?)
		 ORDER BY id DESC LIMIT 1`,
		featureSetID,
		domain.ModeOnline, domain.ModeBoth,
		domain.StatusFailed, domain.StatusCancelled,
	)
}

func (r *repo) ListByFeatureSet(ctx context.Context, db *gorm.DB, tenantID string, featureSetID snowflake.ID) ([]domain.Materialization, error) {
	return r.findMany(ctx, db,
		`SELECT `+materializationColumns+` FROM materializations
		 WHERE tenant_id = ? AND feature_set_id = ? ORDER BY id ASC`,
		tenantID, featureSetID,
	)
}

func (r *repo) ListActiveOnline(ctx context.Context, db *gorm.DB) ([]domain.Materialization, error) {
	return r.findMany(ctx, db,
		`SELECT `+materializationColumns+` FROM materializations
		 WHERE mode IN (?, ?) AND status NOT IN (?, ?) ORDER BY tenant_id ASC, id ASC`,
		domain.ModeOnline, domain.ModeBoth,
		domain.StatusFailed, domain.StatusCancelled,
	)
}

func (r *repo) ListScheduled(ctx context.Context, db *gorm.DB) ([]domain.Materialization, error) {
	return r.findMany(ctx, db,
		`SELECT `+materializationColumns+` FROM materializations
		 WHERE schedule IS NOT NULL AND mode IN (?, ?) AND status IN (?, ?, ?)
		 ORDER BY id ASC`,
		domain.ModeOffline, domain.ModeBoth,
		domain.StatusPending, domain.StatusCompleted, domain.StatusFailed,
	)
}

func (r *repo) CreateView(ctx context.Context, db *gorm.DB, view *domain.FeatureView) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO feature_views (`+viewColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		view.ID,
		view.TenantID,
		view.ViewName,
		view.PhysicalName,
		view.FeatureSetID,
		view.MaterializationID,
		view.ViewSQL,
		view.RefreshMethod,
		view.LastRefreshedAt,
		view.SizeBytes,
		view.RowCount,
		view.CreatedAt,
		view.UpdatedAt,
	).Error
}

func (r *repo) UpdateView(ctx context.Context, db *gorm.DB, view *domain.FeatureView) error {
	if view == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Exec(
		`UPDATE feature_views
		 SET materialization_id = ?, feature_set_id = ?, view_sql = ?, refresh_method = ?,
		     last_refreshed_at = ?, size_bytes = ?, row_count = ?, updated_at = ?
		 WHERE id = ?`,
		view.MaterializationID,
		view.FeatureSetID,
		view.ViewSQL,
		view.RefreshMethod,
		view.LastRefreshedAt,
		view.SizeBytes,
		view.RowCount,
		view.UpdatedAt,
		view.ID,
	).Error
}

func (r *repo) FindViewByName(ctx context.Context, db *gorm.DB, tenantID, viewName string) (*domain.FeatureView, error) {
	return r.findView(ctx, db,
		`SELECT `+viewColumns+` FROM feature_views WHERE tenant_id = ? AND view_name = ? LIMIT 1`,
		tenantID, viewName,
	)
}

func (r *repo) FindViewByFeatureSet(ctx context.Context, db *gorm.DB, tenantID string, featureSetID snowflake.ID) (*domain.FeatureView, error) {
	return r.findView(ctx, db,
		`SELECT `+viewColumns+` FROM feature_views WHERE tenant_id = ? AND feature_set_id = ? ORDER BY id DESC LIMIT 1`,
		tenantID, featureSetID,
	)
}

func (r *repo) FindViewByMaterialization(ctx context.Context, db *gorm.DB, materializationID snowflake.ID) (*domain.FeatureView, error) {
	return r.findView(ctx, db,
		`SELECT `+viewColumns+` FROM feature_views WHERE materialization_id = ? LIMIT 1`,
		materializationID,
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Materialization, error) {
	var m domain.Materialization
	err := db.WithContext(ctx).Raw(query, args...).Scan(&m).Error
	if err != nil {
		return nil, err
	}
	if m.ID == 0 {
		return nil, nil
	}
	return &m, nil
}

func (r *repo) findMany(ctx context.Context, db *gorm.DB, query string, args ...any) ([]domain.Materialization, error) {
	var items []domain.Materialization
	err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) findView(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.FeatureView, error) {
	var view domain.FeatureView
	err := db.WithContext(ctx).Raw(query, args...).Scan(&view).Error
	if err != nil {
		return nil, err
	}
	if view.ID == 0 {
		return nil, nil
	}
	return &view, nil
}
