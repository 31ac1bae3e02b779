package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// MaterializeOffline compiles the feature set, creates its view and
	// activates the set. A second non-failed offline materialization of the
	// same set is a conflict.
	MaterializeOffline(ctx context.Context, req OfflineRequest) (*OfflineResult, error)
	// Refresh re-runs the view of an offline materialization and records the outcome.
	Refresh(ctx context.Context, id snowflake.ID) error
	EnableOnline(ctx context.Context, tenantID string, featureSetID snowflake.ID) (*Materialization, error)
	DisableOnline(ctx context.Context, tenantID string, id snowflake.ID) (*Materialization, error)
	SetSchedule(ctx context.Context, tenantID string, id snowflake.ID, schedule string) (*Materialization, error)

	GetMaterialization(ctx context.Context, tenantID string, id snowflake.ID) (*Materialization, error)
	ListMaterializations(ctx context.Context, tenantID string, featureSetID snowflake.ID) ([]Materialization, error)
	GetView(ctx context.Context, tenantID string, featureSetID snowflake.ID) (*FeatureView, error)
	ListActiveOnline(ctx context.Context) ([]Materialization, error)
	ListDueRefreshes(ctx context.Context, now time.Time, limit int) ([]Materialization, error)
	// RecoverStale makes refreshes interrupted longer than olderThan ago
	// claimable again.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
	// FetchEntityRow reads one entity from the offline view of a feature set.
	FetchEntityRow(ctx context.Context, tenantID string, featureSetID snowflake.ID, entityID string) (map[string]any, bool, error)
}

type OfflineRequest struct {
	TenantID     string
	FeatureSetID snowflake.ID
	// Mode defaults to offline. Both also feeds the stream processor.
	Mode     Mode
	Schedule string
}

var ErrInvalidTenant = errors.New("invalid_tenant")
