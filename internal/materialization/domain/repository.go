package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, m *Materialization) error
	Update(ctx context.Context, db *gorm.DB, m *Materialization) error
	// Claim moves a materialization to running unless it is already running
	// or cancelled. It reports whether this caller won the claim.
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	// ReleaseStale returns offline runs stuck in running since before cutoff
	// to pending.
	ReleaseStale(ctx context.Context, db *gorm.DB, cutoff, now time.Time, reason string) (int64, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Materialization, error)
	FindByTenant(ctx context.Context, db *gorm.DB, tenantID string, id snowflake.ID) (*Materialization, error)
	FindBlockingOffline(ctx context.Context, db *gorm.DB, featureSetID snowflake.ID) (*Materialization, error)
	FindBlockingOnline(ctx context.Context, db *gorm.DB, featureSetID snowflake.ID) (*Materialization, error)
	ListByFeatureSet(ctx context.Context, db *gorm.DB, tenantID string, featureSetID snowflake.ID) ([]Materialization, error)
	ListActiveOnline(ctx context.Context, db *gorm.DB) ([]Materialization, error)
	ListScheduled(ctx context.Context, db *gorm.DB) ([]Materialization, error)

	CreateView(ctx context.Context, db *gorm.DB, view *FeatureView) error
	UpdateView(ctx context.Context, db *gorm.DB, view *FeatureView) error
	FindViewByName(ctx context.Context, db *gorm.DB, tenantID, viewName string) (*FeatureView, error)
	FindViewByFeatureSet(ctx context.Context, db *gorm.DB, tenantID string, featureSetID snowflake.ID) (*FeatureView, error)
	FindViewByMaterialization(ctx context.Context, db *gorm.DB, materializationID snowflake.ID) (*FeatureView, error)
}

// ViewStore manages the physical views compiled from feature specs.
type ViewStore interface {
	// Create issues create-if-not-exists for the view and returns the refresh
	// method the dialect uses.
	Create(ctx context.Context, db *gorm.DB, viewName, query string) (string, error)
	Refresh(ctx context.Context, db *gorm.DB, viewName string) error
	Stats(ctx context.Context, db *gorm.DB, viewName string) (ViewStats, error)
	// FetchEntityRow returns the view row of one entity. ok is false when the
	// entity has no row.
	FetchEntityRow(ctx context.Context, db *gorm.DB, viewName, tenantID, entityID string) (map[string]any, bool, error)
}

type ViewStats struct {
	RowCount  int64
	SizeBytes int64
}
