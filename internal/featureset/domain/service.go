package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	// Register stores the next version of a spec (structured value, map, or
	// JSON/YAML document) as a draft with one lineage row per feature.
	Register(ctx context.Context, tenantID string, spec any, owner string) (*FeatureSet, error)
	Get(ctx context.Context, tenantID string, id snowflake.ID) (*FeatureSet, error)
	// GetActive resolves an active set by name. Version 0 means the newest active version.
	GetActive(ctx context.Context, tenantID, name string, version int) (*FeatureSet, error)
	ListVersions(ctx context.Context, tenantID, name string) ([]FeatureSet, error)
	ListByIDs(ctx context.Context, ids []snowflake.ID) ([]FeatureSet, error)
	ListLineage(ctx context.Context, tenantID string, id snowflake.ID) ([]Lineage, error)
	// Activate promotes a draft inside the caller's transaction.
	Activate(ctx context.Context, tx *gorm.DB, tenantID string, id snowflake.ID) error
	TransitionStatus(ctx context.Context, tenantID string, id snowflake.ID, to Status) (*FeatureSet, error)
	UpdateQualityScore(ctx context.Context, tenantID string, id snowflake.ID, score float64) (*FeatureSet, error)
}

var (
	ErrInvalidTenant       = errors.New("invalid_tenant")
	ErrInvalidTransition   = errors.New("invalid_status_transition")
	ErrInvalidQualityScore = errors.New("invalid_quality_score")
	ErrNotActive           = errors.New("feature_set_not_active")
)
