package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/featurestore/internal/featureset/domain"
	"gorm.io/gorm"
)

const featureSetColumns = `id, tenant_id, name, version, description, spec, owner, status, parent_version_id,
	source_tables, validation_rules, quality_score, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, set *domain.FeatureSet) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO feature_sets (`+featureSetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		set.ID,
		set.TenantID,
		set.Name,
		set.Version,
		set.Description,
		set.Spec,
		set.Owner,
		set.Status,
		set.ParentVersionID,
		set.SourceTables,
		set.ValidationRules,
		set.QualityScore,
		set.CreatedAt,
		set.UpdatedAt,
	).Error
}

func (r *repo) CreateLineage(ctx context.Context, db *gorm.DB, rows []domain.Lineage) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&rows).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID string, id snowflake.ID) (*domain.FeatureSet, error) {
	return r.findOne(ctx, db,
		`SELECT `+featureSetColumns+` FROM feature_sets WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)
}

func (r *repo) FindLatest(ctx context.Context, db *gorm.DB, tenantID, name string) (*domain.FeatureSet, error) {
	return r.findOne(ctx, db,
		`SELECT `+featureSetColumns+` FROM feature_sets
		 WHERE tenant_id = ? AND name = ?
		 ORDER BY version DESC LIMIT 1`,
		tenantID, name,
	)
}

func (r *repo) FindByNameVersion(ctx context.Context, db *gorm.DB, tenantID, name string, version int) (*domain.FeatureSet, error) {
	return r.findOne(ctx, db,
		`SELECT `+featureSetColumns+` FROM feature_sets WHERE tenant_id = ? AND name = ? AND version = ?`,
		tenantID, name, version,
	)
}

func (r *repo) FindLatestWithStatus(ctx context.Context, db *gorm.DB, tenantID, name string, status domain.Status) (*domain.FeatureSet, error) {
	return r.findOne(ctx, db,
		`SELECT `+featureSetColumns+` FROM feature_sets
		 WHERE tenant_id = ? AND name = ? AND status = ?
		 ORDER BY version DESC LIMIT 1`,
		tenantID, name, status,
	)
}

func (r *repo) ListVersions(ctx context.Context, db *gorm.DB, tenantID, name string) ([]domain.FeatureSet, error) {
	var items []domain.FeatureSet
	err := db.WithContext(ctx).Raw(
		`SELECT `+featureSetColumns+` FROM feature_sets WHERE tenant_id = ? AND name = ? ORDER BY version ASC`,
		tenantID, name,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.FeatureSet, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []domain.FeatureSet
	err := db.WithContext(ctx).Raw(
		`SELECT `+featureSetColumns+` FROM feature_sets WHERE id IN ? ORDER BY id ASC`,
		ids,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListLineage(ctx context.Context, db *gorm.DB, tenantID string, featureSetID snowflake.ID) ([]domain.Lineage, error) {
	var items []domain.Lineage
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND feature_set_id = ?", tenantID, featureSetID).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, set *domain.FeatureSet) error {
	if set == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Exec(
		`UPDATE feature_sets SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		set.Status,
		set.UpdatedAt,
		set.TenantID,
		set.ID,
	).Error
}

func (r *repo) UpdateQualityScore(ctx context.Context, db *gorm.DB, set *domain.FeatureSet) error {
	if set == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Exec(
		`UPDATE feature_sets SET quality_score = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		set.QualityScore,
		set.UpdatedAt,
		set.TenantID,
		set.ID,
	).Error
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.FeatureSet, error) {
	var set domain.FeatureSet
	err := db.WithContext(ctx).Raw(query, args...).Scan(&set).Error
	if err != nil {
		return nil, err
	}
	if set.ID == 0 {
		return nil, nil
	}
	return &set, nil
}
