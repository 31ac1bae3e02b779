package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/featurestore/internal/clock"
	"github.com/smallbiznis/featurestore/internal/config"
	"github.com/smallbiznis/featurestore/internal/errs"
	"github.com/smallbiznis/featurestore/internal/featurecache/domain"
	featuresetdomain "github.com/smallbiznis/featurestore/internal/featureset/domain"
	materializationdomain "github.com/smallbiznis/featurestore/internal/materialization/domain"
	"github.com/smallbiznis/featurestore/internal/observability/metrics"
	"github.com/smallbiznis/featurestore/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Config           config.Config
	Repo             domain.Repository
	Fast             domain.FastTier
	FeatureSets      featuresetdomain.Service
	Materializations materializationdomain.Service
	Clock            clock.Clock           `optional:"true"`
	Metrics          *metrics.Metrics      `optional:"true"`
	CacheMetrics     *metrics.CacheMetrics `optional:"true"`
}

type Service struct {
	db               *gorm.DB
	log              *zap.Logger
	repo             domain.Repository
	fast             domain.FastTier
	featureSets      featuresetdomain.Service
	materializations materializationdomain.Service
	clock            clock.Clock
	defaultTTL       time.Duration
	metrics          *metrics.Metrics
	cacheMetrics     *metrics.CacheMetrics
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	ttl := p.Config.Cache.DefaultTTL
	if ttl <= 0 {
		ttl = domain.DefaultTTL
	}
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("featurecache.service"),
		repo:             p.Repo,
		fast:             p.Fast,
		featureSets:      p.FeatureSets,
		materializations: p.Materializations,
		clock:            clk,
		defaultTTL:       ttl,
		metrics:          p.Metrics,
		cacheMetrics:     p.CacheMetrics,
	}
}

func (s *Service) GetFeatureVector(ctx context.Context, tenantID, name string, version int, entityID string) (*domain.Vector, error) {
	ctx, span := tracing.Start(ctx, "featurecache.get_vector",
		attribute.String("tenant_id", tenantID),
		attribute.String("feature_set", name),
		attribute.Int("version", version),
	)
	vector, err := s.getFeatureVector(ctx, tenantID, name, version, entityID)
	tracing.End(span, err)

	result := "error"
	switch {
	case err != nil:
	case vector.CacheHit:
		result = metrics.CacheResultHit
	case vector.Missing:
		result = metrics.CacheResultMissing
	default:
		result = metrics.CacheResultMiss
	}
	s.metrics.RecordVectorRequest(ctx, tenantID, result)
	return vector, err
}

func (s *Service) getFeatureVector(ctx context.Context, tenantID, name string, version int, entityID string) (*domain.Vector, error) {
	tenantID = strings.TrimSpace(tenantID)
	entityID = strings.TrimSpace(entityID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	if entityID == "" {
		return nil, domain.ErrInvalidEntity
	}

	set, err := s.featureSets.GetActive(ctx, tenantID, name, version)
	if err != nil {
		return nil, err
	}
	key := domain.Key{TenantID: tenantID, FeatureSetID: set.ID, EntityID: entityID}
	now := s.clock.Now()

	if vector, ok := s.readFast(ctx, key, set, now); ok {
		return vector, nil
	}

	entry, err := s.repo.FindLive(ctx, s.db, key, now)
	if err != nil {
		return nil, errs.Store("read cache entry", err)
	}
	if entry != nil {
		s.cacheMetrics.IncLookup(metrics.CacheTierDurable, metrics.CacheResultHit)
		s.touch(ctx, key, now)
		s.fillFast(ctx, key, domain.Entry{
			Features:       entry.FeatureVector,
			ComputedAt:     entry.ComputedAt,
			ExpiresAt:      entry.ExpiresAt,
			FeatureVersion: entry.FeatureVersion,
		}, entry.ExpiresAt.Sub(now))
		return &domain.Vector{
			FeatureSetID: set.ID,
			Version:      set.Version,
			Features:     map[string]any(entry.FeatureVector),
			ComputedAt:   entry.ComputedAt,
			CacheHit:     true,
		}, nil
	}
	s.cacheMetrics.IncLookup(metrics.CacheTierDurable, metrics.CacheResultMiss)

	return s.computeFromView(ctx, key, set, now)
}

func (s *Service) readFast(ctx context.Context, key domain.Key, set *featuresetdomain.FeatureSet, now time.Time) (*domain.Vector, bool) {
	if s.fast == nil {
		return nil, false
	}
	entry, ok, err := s.fast.Get(ctx, key)
	if err != nil {
		s.log.Warn("fast tier read failed", zap.String("key", key.String()), zap.Error(err))
		return nil, false
	}
	if !ok || entry.FeatureVersion != set.Version || !entry.ExpiresAt.After(now) {
		s.cacheMetrics.IncLookup(metrics.CacheTierFast, metrics.CacheResultMiss)
		return nil, false
	}
	s.cacheMetrics.IncLookup(metrics.CacheTierFast, metrics.CacheResultHit)
	s.touch(ctx, key, now)
	return &domain.Vector{
		FeatureSetID: set.ID,
		Version:      set.Version,
		Features:     entry.Features,
		ComputedAt:   entry.ComputedAt,
		CacheHit:     true,
	}, true
}

func (s *Service) computeFromView(ctx context.Context, key domain.Key, set *featuresetdomain.FeatureSet, now time.Time) (*domain.Vector, error) {
	row, ok, err := s.materializations.FetchEntityRow(ctx, key.TenantID, set.ID, key.EntityID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	if err != nil || !ok {
		s.cacheMetrics.IncLookup(metrics.CacheTierView, metrics.CacheResultMissing)
		return &domain.Vector{
			FeatureSetID: set.ID,
			Version:      set.Version,
			Features:     map[string]any{},
			Missing:      true,
		}, nil
	}
	s.cacheMetrics.IncLookup(metrics.CacheTierView, metrics.CacheResultHit)

	row, err = domain.NormalizeFeatures(row)
	if err != nil {
		return nil, errs.Store("encode feature vector", err)
	}
	ttl := s.ttlFor(set)
	entry := &domain.CacheEntry{
		TenantID:       key.TenantID,
		FeatureSetID:   key.FeatureSetID,
		EntityID:       key.EntityID,
		FeatureVector:  datatypes.JSONMap(row),
		ComputedAt:     now,
		ExpiresAt:      now.Add(ttl),
		FeatureVersion: set.Version,
	}
	if err := s.repo.Upsert(ctx, s.db, entry); err != nil {
		return nil, errs.Store("write cache entry", err)
	}
	s.cacheMetrics.IncWrite(metrics.CacheTierDurable)
	s.fillFast(ctx, key, domain.Entry{
		Features:       row,
		ComputedAt:     now,
		ExpiresAt:      entry.ExpiresAt,
		FeatureVersion: set.Version,
	}, ttl)

	return &domain.Vector{
		FeatureSetID: set.ID,
		Version:      set.Version,
		Features:     row,
		ComputedAt:   now,
	}, nil
}

// ttlFor returns the feature set's ttl_seconds, else the configured default.
func (s *Service) ttlFor(set *featuresetdomain.FeatureSet) time.Duration {
	spec, err := set.DecodeSpec()
	if err == nil && spec.TTLSeconds > 0 {
		return time.Duration(spec.TTLSeconds) * time.Second
	}
	return s.defaultTTL
}

func (s *Service) Put(ctx context.Context, req domain.WriteRequest) error {
	if strings.TrimSpace(req.Key.TenantID) == "" {
		return domain.ErrInvalidTenant
	}
	if strings.TrimSpace(req.Key.EntityID) == "" {
		return domain.ErrInvalidEntity
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	features, err := domain.NormalizeFeatures(req.Features)
	if err != nil {
		return errs.Store("encode feature vector", err)
	}
	now := s.clock.Now()

	if s.fast != nil {
		err := s.fast.Set(ctx, req.Key, domain.Entry{
			Features:       features,
			ComputedAt:     now,
			ExpiresAt:      now.Add(ttl),
			FeatureVersion: req.FeatureVersion,
		}, ttl)
		if err != nil {
			return errs.Store("write fast tier", err)
		}
		s.cacheMetrics.IncWrite(metrics.CacheTierFast)
	}

	entry := &domain.CacheEntry{
		TenantID:       req.Key.TenantID,
		FeatureSetID:   req.Key.FeatureSetID,
		EntityID:       req.Key.EntityID,
		FeatureVector:  datatypes.JSONMap(features),
		ComputedAt:     now,
		ExpiresAt:      now.Add(ttl),
		FeatureVersion: req.FeatureVersion,
	}
	if err := s.repo.Upsert(ctx, s.db, entry); err != nil {
		s.cacheMetrics.IncMirrorFailure()
		s.log.Warn("durable mirror failed",
			zap.String("tenant_id", req.Key.TenantID),
			zap.String("feature_set_id", req.Key.FeatureSetID.String()),
			zap.String("entity_id", req.Key.EntityID),
			zap.Error(err),
		)
		return nil
	}
	s.cacheMetrics.IncWrite(metrics.CacheTierDurable)
	return nil
}

func (s *Service) Invalidate(ctx context.Context, key domain.Key) error {
	if s.fast != nil {
		if err := s.fast.Delete(ctx, key); err != nil {
			return errs.Store("invalidate fast tier", err)
		}
	}
	if err := s.repo.Delete(ctx, s.db, key); err != nil {
		return errs.Store("invalidate cache entry", err)
	}
	return nil
}

func (s *Service) PurgeExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.db, now, limit)
	if err != nil {
		return 0, errs.Store("purge cache entries", err)
	}
	return n, nil
}

func (s *Service) touch(ctx context.Context, key domain.Key, now time.Time) {
	if err := s.repo.Touch(ctx, s.db, key, now); err != nil {
		s.log.Debug("failed to record cache hit", zap.String("key", key.String()), zap.Error(err))
	}
}

func (s *Service) fillFast(ctx context.Context, key domain.Key, entry domain.Entry, ttl time.Duration) {
	if s.fast == nil || ttl <= 0 {
		return
	}
	if err := s.fast.Set(ctx, key, entry, ttl); err != nil {
		s.log.Warn("fast tier fill failed", zap.String("key", key.String()), zap.Error(err))
		return
	}
	s.cacheMetrics.IncWrite(metrics.CacheTierFast)
}
