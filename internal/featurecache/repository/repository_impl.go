package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/featurestore/internal/featurecache/domain"
	"gorm.io/gorm"
)

const entryColumns = `tenant_id, feature_set_id, entity_id, feature_vector, computed_at, expires_at,
	feature_version, hit_count, last_accessed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, entry *domain.CacheEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO feature_cache_entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, feature_set_id, entity_id) DO UPDATE SET
		   feature_vector = excluded.feature_vector,
		   computed_at = excluded.computed_at,
		   expires_at = excluded.expires_at,
		   feature_version = excluded.feature_version,
		   hit_count = excluded.hit_count,
		   last_accessed_at = excluded.last_accessed_at`,
		entry.TenantID,
		entry.FeatureSetID,
		entry.EntityID,
		entry.FeatureVector,
		entry.ComputedAt,
		entry.ExpiresAt,
		entry.FeatureVersion,
		entry.HitCount,
		entry.LastAccessedAt,
	).Error
}

func (r *repo) FindLive(ctx context.Context, db *gorm.DB, key domain.Key, now time.Time) (*domain.CacheEntry, error) {
	var entry domain.CacheEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+` FROM feature_cache_entries
		 WHERE tenant_id = ? AND feature_set_id = ? AND entity_id = ? AND expires_at > ?`,
		key.TenantID, key.FeatureSetID, key.EntityID, now,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.EntityID == "" {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) Touch(ctx context.Context, db *gorm.DB, key domain.Key, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE feature_cache_entries SET hit_count = hit_count + 1, last_accessed_at = ?
		 WHERE tenant_id = ? AND feature_set_id = ? AND entity_id = ?`,
		now, key.TenantID, key.FeatureSetID, key.EntityID,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, key domain.Key) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM feature_cache_entries WHERE tenant_id = ? AND feature_set_id = ? AND entity_id = ?`,
		key.TenantID, key.FeatureSetID, key.EntityID,
	).Error
}

func (r *repo) DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	res := db.WithContext(ctx).Exec(
		`DELETE FROM feature_cache_entries
		 WHERE (tenant_id, feature_set_id, entity_id) IN (
		   SELECT tenant_id, feature_set_id, entity_id FROM feature_cache_entries
		   WHERE expires_at <= ? LIMIT ?
		 )`,
		now, limit,
	)
	return res.RowsAffected, res.Error
}
