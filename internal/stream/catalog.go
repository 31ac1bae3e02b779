package stream

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/featurestore/internal/config"
	featuresetdomain "github.com/smallbiznis/featurestore/internal/featureset/domain"
	materializationdomain "github.com/smallbiznis/featurestore/internal/materialization/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Catalog loads the online feature sets the processor serves.
type Catalog interface {
	Load(ctx context.Context) (Snapshot, error)
}

type CatalogParams struct {
	fx.In

	Config           config.Config
	Log              *zap.Logger
	FeatureSets      featuresetdomain.Service
	Materializations materializationdomain.Service
}

// ServiceCatalog joins live online materializations with their feature sets.
type ServiceCatalog struct {
	log              *zap.Logger
	featureSets      featuresetdomain.Service
	materializations materializationdomain.Service
	defaultTTL       time.Duration
}

func NewServiceCatalog(p CatalogParams) *ServiceCatalog {
	return &ServiceCatalog{
		log:              p.Log.Named("stream.catalog"),
		featureSets:      p.FeatureSets,
		materializations: p.Materializations,
		defaultTTL:       p.Config.Cache.DefaultTTL,
	}
}

func (c *ServiceCatalog) Load(ctx context.Context) (Snapshot, error) {
	items, err := c.materializations.ListActiveOnline(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return Snapshot{}, nil
	}

	ids := make([]snowflake.ID, 0, len(items))
	for _, m := range items {
		ids = append(ids, m.FeatureSetID)
	}
	sets, err := c.featureSets.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[snowflake.ID]featuresetdomain.FeatureSet, len(sets))
	for _, set := range sets {
		byID[set.ID] = set
	}

	snapshot := Snapshot{}
	for _, m := range items {
		set, ok := byID[m.FeatureSetID]
		if !ok || set.Status == featuresetdomain.StatusArchived {
			continue
		}
		spec, err := set.DecodeSpec()
		if err != nil {
			c.log.Warn("skipping feature set with unreadable spec",
				zap.String("feature_set_id", set.ID.String()),
				zap.Error(err),
			)
			continue
		}
		ttl := c.defaultTTL
		if spec.TTLSeconds > 0 {
			ttl = time.Duration(spec.TTLSeconds) * time.Second
		}
		snapshot[m.TenantID] = append(snapshot[m.TenantID], OnlineSet{
			MaterializationID: m.ID,
			FeatureSetID:      set.ID,
			TenantID:          m.TenantID,
			Name:              set.Name,
			Version:           set.Version,
			Spec:              spec,
			TTL:               ttl,
		})
	}
	return snapshot, nil
}
