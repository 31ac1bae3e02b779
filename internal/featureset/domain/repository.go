package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, set *FeatureSet) error
	CreateLineage(ctx context.Context, db *gorm.DB, rows []Lineage) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID string, id snowflake.ID) (*FeatureSet, error)
	FindLatest(ctx context.Context, db *gorm.DB, tenantID, name string) (*FeatureSet, error)
	FindByNameVersion(ctx context.Context, db *gorm.DB, tenantID, name string, version int) (*FeatureSet, error)
	FindLatestWithStatus(ctx context.Context, db *gorm.DB, tenantID, name string, status Status) (*FeatureSet, error)
	ListVersions(ctx context.Context, db *gorm.DB, tenantID, name string) ([]FeatureSet, error)
	ListByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]FeatureSet, error)
	ListLineage(ctx context.Context, db *gorm.DB, tenantID string, featureSetID snowflake.ID) ([]Lineage, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, set *FeatureSet) error
	UpdateQualityScore(ctx context.Context, db *gorm.DB, set *FeatureSet) error
}
