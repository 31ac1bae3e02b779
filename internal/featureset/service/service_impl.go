package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/featurestore/internal/clock"
	"github.com/smallbiznis/featurestore/internal/errs"
	"github.com/smallbiznis/featurestore/internal/featureset/domain"
	"github.com/smallbiznis/featurestore/internal/featurespec"
	"github.com/smallbiznis/featurestore/internal/notify"
	"github.com/smallbiznis/featurestore/internal/observability/metrics"
	"github.com/smallbiznis/featurestore/internal/observability/tracing"
	"github.com/smallbiznis/featurestore/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxRegisterAttempts = 20

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Notifier notify.Publisher
	Clock    clock.Clock       `optional:"true"`
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	genID    *snowflake.Node
	notifier notify.Publisher
	clock    clock.Clock
	metrics  *metrics.Metrics
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("featureset.service"),
		repo:     p.Repo,
		genID:    p.GenID,
		notifier: p.Notifier,
		clock:    clk,
		metrics:  p.Metrics,
	}
}

func (s *Service) Register(ctx context.Context, tenantID string, input any, owner string) (*domain.FeatureSet, error) {
	ctx, span := tracing.Start(ctx, "featureset.register", attribute.String("tenant_id", tenantID))
	set, err := s.register(ctx, tenantID, input, owner)
	tracing.End(span, err)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.RecordRegistration(ctx, tenantID, outcome)
	return set, err
}

func (s *Service) register(ctx context.Context, tenantID string, input any, owner string) (*domain.FeatureSet, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, errs.Spec("tenant_id", "is required")
	}

	spec, err := featurespec.Normalize(input)
	if err != nil {
		return nil, err
	}
	if err := featurespec.Validate(spec); err != nil {
		return nil, err
	}
	spec.Name = strings.TrimSpace(spec.Name)

	attempt := func() (*domain.FeatureSet, error) {
		set, err := s.insertNextVersion(ctx, tenantID, spec, strings.TrimSpace(owner))
		if err == nil {
			return set, nil
		}
		if db.IsDuplicateKeyErr(err) {
			s.log.Debug("version race on register, retrying",
				zap.String("tenant_id", tenantID),
				zap.String("name", spec.Name),
			)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	set, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(maxRegisterAttempts),
		backoff.WithMaxElapsedTime(10*time.Second),
	)
	if err != nil {
		s.log.Error("failed to register feature set",
			zap.String("tenant_id", tenantID),
			zap.String("name", spec.Name),
			zap.Error(err),
		)
		return nil, errs.Store("register feature set", err)
	}

	s.log.Info("feature set registered",
		zap.String("tenant_id", tenantID),
		zap.String("feature_set_id", set.ID.String()),
		zap.String("name", set.Name),
		zap.Int("version", set.Version),
	)
	s.publish(ctx, notify.Event{
		Type:       notify.TypeFeatureSetRegistered,
		TenantID:   tenantID,
		OccurredAt: set.CreatedAt,
		Payload: map[string]any{
			"feature_set_id": set.ID.String(),
			"name":           set.Name,
			"version":        set.Version,
			"owner":          set.Owner,
		},
	})
	return set, nil
}

// insertNextVersion reads the current head and inserts head+1 with its
// lineage in one transaction. A concurrent writer surfaces as a unique violation.
func (s *Service) insertNextVersion(ctx context.Context, tenantID string, spec featurespec.Spec, owner string) (*domain.FeatureSet, error) {
	var created *domain.FeatureSet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, err := s.repo.FindLatest(ctx, tx, tenantID, spec.Name)
		if err != nil {
			return err
		}

		version := 1
		var parentID *snowflake.ID
		if prev != nil {
			version = prev.Version + 1
			id := prev.ID
			parentID = &id
		}

		versioned := spec
		versioned.Version = version
		doc, err := json.Marshal(versioned)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		set := &domain.FeatureSet{
			ID:              s.genID.Generate(),
			TenantID:        tenantID,
			Name:            spec.Name,
			Version:         version,
			Spec:            datatypes.JSON(doc),
			Owner:           owner,
			Status:          domain.StatusDraft,
			ParentVersionID: parentID,
			SourceTables:    datatypes.JSONSlice[string](featurespec.ExtractSourceTables(spec)),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if description := strings.TrimSpace(spec.Description); description != "" {
			set.Description = &description
		}
		if len(spec.ValidationRules) > 0 {
			set.ValidationRules = datatypes.JSONMap(spec.ValidationRules)
		}

		if err := s.repo.Create(ctx, tx, set); err != nil {
			return err
		}
		if err := s.repo.CreateLineage(ctx, tx, s.buildLineage(set, spec)); err != nil {
			return err
		}
		created = set
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) buildLineage(set *domain.FeatureSet, spec featurespec.Spec) []domain.Lineage {
	rows := make([]domain.Lineage, 0, len(spec.Features))
	for _, feature := range spec.Features {
		rows = append(rows, domain.Lineage{
			ID:                 s.genID.Generate(),
			TenantID:           set.TenantID,
			FeatureSetID:       set.ID,
			UpstreamTable:      feature.UpstreamTable(spec),
			UpstreamColumns:    datatypes.JSONSlice[string](feature.UpstreamColumns()),
			DownstreamFeature:  strings.TrimSpace(feature.Name),
			TransformationType: feature.TransformationType(),
			TransformationSpec: transformationSpec(feature),
			CreatedAt:          set.CreatedAt,
		})
	}
	return rows
}

func transformationSpec(feature featurespec.Feature) datatypes.JSONMap {
	doc := map[string]any{
		"kind": featurespec.Kind(feature.Definition()),
		"type": feature.Type,
	}
	switch def := feature.Definition().(type) {
	case featurespec.Aggregation:
		doc["function"] = string(def.Func)
		doc["window"] = def.Window
		doc["column"] = def.Column
	case featurespec.Expression:
		doc["expression"] = def.Expr
	case featurespec.Direct:
		doc["column"] = def.Column
	}
	return datatypes.JSONMap(doc)
}

func (s *Service) Get(ctx context.Context, tenantID string, id snowflake.ID) (*domain.FeatureSet, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	set, err := s.repo.FindByID(ctx, s.db, tenantID, id)
	if err != nil {
		return nil, errs.Store("get feature set", err)
	}
	if set == nil {
		return nil, errs.NotFound("feature_set", id.String())
	}
	return set, nil
}

func (s *Service) GetActive(ctx context.Context, tenantID, name string, version int) (*domain.FeatureSet, error) {
	tenantID = strings.TrimSpace(tenantID)
	name = strings.TrimSpace(name)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}

	var (
		set *domain.FeatureSet
		err error
	)
	if version > 0 {
		set, err = s.repo.FindByNameVersion(ctx, s.db, tenantID, name, version)
	} else {
		set, err = s.repo.FindLatestWithStatus(ctx, s.db, tenantID, name, domain.StatusActive)
	}
	if err != nil {
		return nil, errs.Store("get active feature set", err)
	}
	if set == nil || set.Status != domain.StatusActive {
		return nil, errs.NotFound("feature_set", versionKey(name, version))
	}
	return set, nil
}

func versionKey(name string, version int) string {
	if version <= 0 {
		return name + "@latest"
	}
	return name + "@v" + strconv.Itoa(version)
}

func (s *Service) ListVersions(ctx context.Context, tenantID, name string) ([]domain.FeatureSet, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	items, err := s.repo.ListVersions(ctx, s.db, tenantID, strings.TrimSpace(name))
	if err != nil {
		return nil, errs.Store("list feature set versions", err)
	}
	return items, nil
}

func (s *Service) ListByIDs(ctx context.Context, ids []snowflake.ID) ([]domain.FeatureSet, error) {
	items, err := s.repo.ListByIDs(ctx, s.db, ids)
	if err != nil {
		return nil, errs.Store("list feature sets", err)
	}
	return items, nil
}

func (s *Service) ListLineage(ctx context.Context, tenantID string, id snowflake.ID) ([]domain.Lineage, error) {
	if _, err := s.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}
	items, err := s.repo.ListLineage(ctx, s.db, strings.TrimSpace(tenantID), id)
	if err != nil {
		return nil, errs.Store("list lineage", err)
	}
	return items, nil
}

func (s *Service) Activate(ctx context.Context, tx *gorm.DB, tenantID string, id snowflake.ID) error {
	if tx == nil {
		tx = s.db
	}
	set, err := s.repo.FindByID(ctx, tx, tenantID, id)
	if err != nil {
		return errs.Store("activate feature set", err)
	}
	if set == nil {
		return errs.NotFound("feature_set", id.String())
	}
	switch set.Status {
	case domain.StatusActive:
		return nil
	case domain.StatusDraft:
	default:
		return errs.Conflict("feature_set", id.String(), "cannot activate from "+string(set.Status))
	}

	set.Status = domain.StatusActive
	set.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateStatus(ctx, tx, set); err != nil {
		return errs.Store("activate feature set", err)
	}
	return nil
}

var allowedTransitions = map[domain.Status]map[domain.Status]bool{
	domain.StatusActive: {
		domain.StatusDeprecated: true,
		domain.StatusArchived:   true,
	},
	domain.StatusDeprecated: {
		domain.StatusArchived: true,
	},
	domain.StatusDraft: {
		domain.StatusArchived: true,
	},
}

func (s *Service) TransitionStatus(ctx context.Context, tenantID string, id snowflake.ID, to domain.Status) (*domain.FeatureSet, error) {
	set, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if set.Status == to {
		return set, nil
	}
	if !allowedTransitions[set.Status][to] {
		return nil, domain.ErrInvalidTransition
	}

	from := set.Status
	set.Status = to
	set.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateStatus(ctx, s.db, set); err != nil {
		return nil, errs.Store("update feature set status", err)
	}

	s.log.Info("feature set status changed",
		zap.String("tenant_id", set.TenantID),
		zap.String("feature_set_id", set.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return set, nil
}

func (s *Service) UpdateQualityScore(ctx context.Context, tenantID string, id snowflake.ID, score float64) (*domain.FeatureSet, error) {
	if score < 0 || score > 1 {
		return nil, domain.ErrInvalidQualityScore
	}
	set, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	set.QualityScore = &score
	set.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateQualityScore(ctx, s.db, set); err != nil {
		return nil, errs.Store("update quality score", err)
	}
	return set, nil
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
