package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/featurestore/internal/clock"
	"github.com/smallbiznis/featurestore/internal/config"
	"github.com/smallbiznis/featurestore/internal/errs"
	"github.com/smallbiznis/featurestore/internal/featurecache/domain"
	"github.com/smallbiznis/featurestore/internal/featurecache/fasttier"
	"github.com/smallbiznis/featurestore/internal/featurecache/repository"
	featuresetdomain "github.com/smallbiznis/featurestore/internal/featureset/domain"
	featuresetrepo "github.com/smallbiznis/featurestore/internal/featureset/repository"
	featuresetservice "github.com/smallbiznis/featurestore/internal/featureset/service"
	"github.com/smallbiznis/featurestore/internal/featurespec"
	materializationdomain "github.com/smallbiznis/featurestore/internal/materialization/domain"
	materializationrepo "github.com/smallbiznis/featurestore/internal/materialization/repository"
	materializationservice "github.com/smallbiznis/featurestore/internal/materialization/service"
	"github.com/smallbiznis/featurestore/internal/notify"
	"github.com/smallbiznis/featurestore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	svc   domain.Service
	fast  *fasttier.Memory
	sets  featuresetdomain.Service
	mats  materializationdomain.Service
	clock *clock.FakeClock
}

func newFixture(t *testing.T, fast domain.FastTier) fixture {
	t.Helper()
	db := testutil.OpenSQLite(t,
		&featuresetdomain.FeatureSet{},
		&featuresetdomain.Lineage{},
		&materializationdomain.Materialization{},
		&materializationdomain.FeatureView{},
		&domain.CacheEntry{},
	)
	require.NoError(t, materializationrepo.EnsureIndexes(context.Background(), db))
	require.NoError(t, db.Exec(`CREATE TABLE purchases (tenant_id TEXT, entity_id TEXT, amount REAL)`).Error)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	node := testutil.Node(t)
	rec := notify.NewRecorder()
	sets := featuresetservice.New(featuresetservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: featuresetrepo.Provide(), Notifier: rec, Clock: clk,
	})
	mats := materializationservice.New(materializationservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Repo:        materializationrepo.Provide(),
		Views:       materializationrepo.ProvideViewStore(),
		FeatureSets: sets,
		Notifier:    rec,
		Clock:       clk,
	})

	mem, _ := fast.(*fasttier.Memory)
	if fast == nil {
		mem = fasttier.NewMemory(time.Hour)
		fast = mem
	}
	svc := New(Params{
		DB:               db,
		Log:              zap.NewNop(),
		Config:           config.Config{},
		Repo:             repository.Provide(),
		Fast:             fast,
		FeatureSets:      sets,
		Materializations: mats,
		Clock:            clk,
	})
	return fixture{db: db, svc: svc, fast: mem, sets: sets, mats: mats, clock: clk}
}

func (f fixture) activeSet(t *testing.T, tenant string, ttlSeconds int) *featuresetdomain.FeatureSet {
	t.Helper()
	ctx := context.Background()
	set, err := f.sets.Register(ctx, tenant, featurespec.Spec{
		Name:       "user_spend",
		Source:     "purchases",
		TTLSeconds: ttlSeconds,
		Features: []featurespec.Feature{
			{Name: "total_spend", Type: "float", Aggregation: "sum", Column: "amount", Window: "30d"},
			{Name: "purchase_count", Type: "int", Aggregation: "count", Window: "30d"},
		},
	}, "ml-team")
	require.NoError(t, err)
	_, err = f.mats.MaterializeOffline(ctx, materializationdomain.OfflineRequest{TenantID: tenant, FeatureSetID: set.ID})
	require.NoError(t, err)
	set.Status = featuresetdomain.StatusActive
	return set
}

func (f fixture) purchase(t *testing.T, tenant, entity string, amount float64) {
	t.Helper()
	require.NoError(t, f.db.Exec(
		`INSERT INTO purchases (tenant_id, entity_id, amount) VALUES (?, ?, ?)`, tenant, entity, amount,
	).Error)
}

func (f fixture) entry(t *testing.T, key domain.Key) domain.CacheEntry {
	t.Helper()
	var entry domain.CacheEntry
	require.NoError(t, f.db.Where("tenant_id = ? AND feature_set_id = ? AND entity_id = ?",
		key.TenantID, key.FeatureSetID, key.EntityID).First(&entry).Error)
	return entry
}

func TestGetFeatureVector_MissThenHit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.purchase(t, "acme", "u1", 10)
	f.purchase(t, "acme", "u1", 15)
	set := f.activeSet(t, "acme", 0)

	first, err := f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, "u1")
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.False(t, first.Missing)
	assert.EqualValues(t, 25, first.Features["total_spend"])
	assert.EqualValues(t, 2, first.Features["purchase_count"])
	assert.True(t, first.ComputedAt.Equal(f.clock.Now()))

	second, err := f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, "u1")
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Features, second.Features)

	stored := f.entry(t, domain.Key{TenantID: "acme", FeatureSetID: set.ID, EntityID: "u1"})
	assert.Equal(t, int64(1), stored.HitCount)
	assert.Equal(t, 1, stored.FeatureVersion)
	require.NotNil(t, stored.LastAccessedAt)
	assert.True(t, stored.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)))
}

func TestGetFeatureVector_RedisTierServesSameTypes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, fasttier.NewRedis(client))
	ctx := context.Background()
	f.purchase(t, "acme", "u1", 10)
	f.purchase(t, "acme", "u1", 15)
	set := f.activeSet(t, "acme", 0)

	first, err := f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, "u1")
	require.NoError(t, err)
	require.False(t, first.CacheHit)
	assert.Equal(t, 25.0, first.Features["total_spend"])
	assert.Equal(t, 2.0, first.Features["purchase_count"])

	key := domain.Key{TenantID: "acme", FeatureSetID: set.ID, EntityID: "u1"}
	assert.True(t, mr.Exists(key.String()))

	second, err := f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, "u1")
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Features, second.Features)
}

func TestGetFeatureVector_DurableHitWithoutFastTier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.purchase(t, "acme", "u1", 10)
	set := f.activeSet(t, "acme", 0)

	_, err := f.svc.GetFeatureVector(ctx, "acme", "user_spend", 0, "u1")
	require.NoError(t, err)
	key := domain.Key{TenantID: "acme", FeatureSetID: set.ID, EntityID: "u1"}
	require.NoError(t, f.fast.Delete(ctx, key))

	got, err := f.svc.GetFeatureVector(ctx, "acme", "user_spend", 0, "u1")
	require.NoError(t, err)
	assert.True(t, got.CacheHit)
	assert.EqualValues(t, 10, got.Features["total_spend"])

	_, ok, err := f.fast.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok, "durable hit refills the fast tier")
}

func TestGetFeatureVector_MissingEntity(t *testing.T) {
	f := newFixture(t, nil)
	f.activeSet(t, "acme", 0)

	got, err := f.svc.GetFeatureVector(context.Background(), "acme", "user_spend", 1, "nobody")
	require.NoError(t, err)
	assert.True(t, got.Missing)
	assert.False(t, got.CacheHit)
	assert.Empty(t, got.Features)
	assert.NotNil(t, got.Features)
}

func TestGetFeatureVector_UnknownOrInactiveSet(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, "u1")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = f.sets.Register(ctx, "acme", featurespec.Spec{
		Name:     "user_spend",
		Source:   "purchases",
		Features: []featurespec.Feature{{Name: "amount", Type: "float", Column: "amount"}},
	}, "ml-team")
	require.NoError(t, err)
	_, err = f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, "u1")
	assert.True(t, errors.Is(err, errs.ErrNotFound), "draft sets are not served")

	_, err = f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidEntity)
}

func TestGetFeatureVector_ExpiredEntryIsRecomputed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.purchase(t, "acme", "u1", 10)
	f.activeSet(t, "acme", 60)

	_, err := f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, "u1")
	require.NoError(t, err)

	f.purchase(t, "acme", "u1", 5)
	f.clock.Advance(30 * time.Second)
	cached, err := f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, "u1")
	require.NoError(t, err)
	assert.True(t, cached.CacheHit)
	assert.EqualValues(t, 10, cached.Features["total_spend"])

	f.clock.Advance(time.Minute)
	fresh, err := f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, "u1")
	require.NoError(t, err)
	assert.False(t, fresh.CacheHit)
	assert.EqualValues(t, 15, fresh.Features["total_spend"])
}

func TestPut_WritesBothTiers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	set := f.activeSet(t, "acme", 0)
	key := domain.Key{TenantID: "acme", FeatureSetID: set.ID, EntityID: "u7"}

	require.NoError(t, f.svc.Put(ctx, domain.WriteRequest{
		Key:            key,
		Features:       map[string]any{"total_spend": 42.0},
		FeatureVersion: 1,
		TTL:            10 * time.Minute,
	}))

	stored := f.entry(t, key)
	assert.Equal(t, 42.0, stored.FeatureVector["total_spend"])
	assert.True(t, stored.ExpiresAt.Equal(f.clock.Now().Add(10*time.Minute)))

	got, err := f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, "u7")
	require.NoError(t, err)
	assert.True(t, got.CacheHit)
	assert.Equal(t, 42.0, got.Features["total_spend"])
}

func TestPut_MirrorFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	key := domain.Key{TenantID: "acme", FeatureSetID: 7, EntityID: "u1"}
	require.NoError(t, f.db.Exec(`DROP TABLE feature_cache_entries`).Error)

	require.NoError(t, f.svc.Put(ctx, domain.WriteRequest{Key: key, Features: map[string]any{"x": 1}}))

	entry, ok, err := f.fast.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, entry.Features["x"])
}

type failingTier struct{ domain.FastTier }

func (failingTier) Set(context.Context, domain.Key, domain.Entry, time.Duration) error {
	return errors.New("connection refused")
}

func TestPut_FastTierFailureIsReturned(t *testing.T) {
	f := newFixture(t, failingTier{FastTier: fasttier.NewMemory(time.Hour)})
	err := f.svc.Put(context.Background(), domain.WriteRequest{
		Key:      domain.Key{TenantID: "acme", FeatureSetID: 7, EntityID: "u1"},
		Features: map[string]any{"x": 1},
	})
	assert.True(t, errors.Is(err, errs.ErrStore))

	err = f.svc.Put(context.Background(), domain.WriteRequest{Key: domain.Key{TenantID: "acme"}})
	assert.ErrorIs(t, err, domain.ErrInvalidEntity)
}

func TestInvalidateAndPurge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.purchase(t, "acme", "u1", 10)
	f.purchase(t, "acme", "u2", 20)
	set := f.activeSet(t, "acme", 0)

	_, err := f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, "u1")
	require.NoError(t, err)
	_, err = f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, "u2")
	require.NoError(t, err)

	key := domain.Key{TenantID: "acme", FeatureSetID: set.ID, EntityID: "u1"}
	require.NoError(t, f.svc.Invalidate(ctx, key))
	_, ok, _ := f.fast.Get(ctx, key)
	assert.False(t, ok)

	got, err := f.svc.GetFeatureVector(ctx, "acme", "user_spend", 1, "u1")
	require.NoError(t, err)
	assert.False(t, got.CacheHit)

	n, err := f.svc.PurgeExpired(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.svc.PurgeExpired(ctx, f.clock.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
