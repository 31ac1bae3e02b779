package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/featurestore/internal/clock"
	"github.com/smallbiznis/featurestore/internal/errs"
	featuresetdomain "github.com/smallbiznis/featurestore/internal/featureset/domain"
	featuresetrepo "github.com/smallbiznis/featurestore/internal/featureset/repository"
	featuresetservice "github.com/smallbiznis/featurestore/internal/featureset/service"
	"github.com/smallbiznis/featurestore/internal/featurespec"
	"github.com/smallbiznis/featurestore/internal/materialization/domain"
	"github.com/smallbiznis/featurestore/internal/materialization/guard"
	"github.com/smallbiznis/featurestore/internal/materialization/repository"
	"github.com/smallbiznis/featurestore/internal/notify"
	"github.com/smallbiznis/featurestore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db          *gorm.DB
	svc         domain.Service
	featureSets featuresetdomain.Service
	notifier    *notify.Recorder
	clock       *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.OpenSQLite(t,
		&featuresetdomain.FeatureSet{},
		&featuresetdomain.Lineage{},
		&domain.Materialization{},
		&domain.FeatureView{},
	)
	require.NoError(t, repository.EnsureIndexes(context.Background(), db))
	require.NoError(t, db.Exec(`CREATE TABLE purchases (tenant_id TEXT, entity_id TEXT, amount REAL)`).Error)

	rec := notify.NewRecorder()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	node := testutil.Node(t)
	sets := featuresetservice.New(featuresetservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     featuresetrepo.Provide(),
		Notifier: rec,
		Clock:    clk,
	})
	svc := New(Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Repo:        repository.Provide(),
		Views:       repository.ProvideViewStore(),
		FeatureSets: sets,
		Notifier:    rec,
		Clock:       clk,
	})
	return fixture{db: db, svc: svc, featureSets: sets, notifier: rec, clock: clk}
}

func spendSpec(source string) featurespec.Spec {
	return featurespec.Spec{
		Name:   "user_spend",
		Source: source,
		Features: []featurespec.Feature{
			{Name: "total_spend", Type: "float", Aggregation: "sum", Column: "amount", Window: "30d"},
			{Name: "purchase_count", Type: "int", Aggregation: "count", Window: "30d"},
		},
	}
}

func (f fixture) register(t *testing.T, tenant string, spec featurespec.Spec) *featuresetdomain.FeatureSet {
	t.Helper()
	set, err := f.featureSets.Register(context.Background(), tenant, spec, "ml-team")
	require.NoError(t, err)
	return set
}

func (f fixture) purchase(t *testing.T, tenant, entity string, amount float64) {
	t.Helper()
	require.NoError(t, f.db.Exec(
		`INSERT INTO purchases (tenant_id, entity_id, amount) VALUES (?, ?, ?)`,
		tenant, entity, amount,
	).Error)
}

func (f fixture) setStatus(t *testing.T, tenant string, id snowflake.ID) featuresetdomain.Status {
	t.Helper()
	set, err := f.featureSets.Get(context.Background(), tenant, id)
	require.NoError(t, err)
	return set.Status
}

func TestMaterializeOffline_ActivatesSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "acme", "u1", 10)
	f.purchase(t, "acme", "u1", 15)
	f.purchase(t, "acme", "u2", 7)
	set := f.register(t, "acme", spendSpec("purchases"))
	assert.Equal(t, featuresetdomain.StatusDraft, f.setStatus(t, "acme", set.ID))

	res, err := f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "acme", FeatureSetID: set.ID})
	require.NoError(t, err)
	assert.Equal(t, "features_user_spend_v1", res.ViewName)
	assert.Equal(t, featuresetdomain.StatusActive, f.setStatus(t, "acme", set.ID))

	m, err := f.svc.GetMaterialization(ctx, "acme", res.MaterializationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeOffline, m.Mode)
	assert.Equal(t, domain.StatusCompleted, m.Status)
	assert.Equal(t, int64(2), m.RowsProcessed)
	require.NotNil(t, m.LastRunAt)

	view, err := f.svc.GetView(ctx, "acme", set.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ViewName, view.ViewName)
	assert.Equal(t, res.MaterializationID, view.MaterializationID)
	assert.Equal(t, domain.RefreshView, view.RefreshMethod)
	assert.Contains(t, view.ViewSQL, "GROUP BY tenant_id, entity_id")

	assert.Len(t, f.notifier.OfType(notify.TypeMaterializationCompleted), 1)
}

func TestMaterializeOffline_SecondCallConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set := f.register(t, "acme", spendSpec("purchases"))

	_, err := f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "acme", FeatureSetID: set.ID})
	require.NoError(t, err)

	_, err = f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "acme", FeatureSetID: set.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConflict))

	var conflict *errs.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "materialization", conflict.Resource)

	items, err := f.svc.ListMaterializations(ctx, "acme", set.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestMaterializeOffline_FailureLeavesSetDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set := f.register(t, "acme", spendSpec("missing_table"))

	_, err := f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "acme", FeatureSetID: set.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrStore))
	assert.Equal(t, featuresetdomain.StatusDraft, f.setStatus(t, "acme", set.ID))

	items, err := f.svc.ListMaterializations(ctx, "acme", set.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.StatusFailed, items[0].Status)
	require.NotNil(t, items[0].ErrorMessage)
	assert.NotEmpty(t, *items[0].ErrorMessage)

	_, err = f.svc.GetView(ctx, "acme", set.ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	assert.Len(t, f.notifier.OfType(notify.TypeMaterializationFailed), 1)
}

func TestMaterializeOffline_UnknownSet(t *testing.T) {
	f := newFixture(t)
	set := f.register(t, "acme", spendSpec("purchases"))

	_, err := f.svc.MaterializeOffline(context.Background(), domain.OfflineRequest{TenantID: "globex", FeatureSetID: set.ID})
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = f.svc.MaterializeOffline(context.Background(), domain.OfflineRequest{TenantID: " ", FeatureSetID: set.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)
}

func TestMaterializeOffline_RejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	set := f.register(t, "acme", spendSpec("purchases"))

	_, err := f.svc.MaterializeOffline(context.Background(), domain.OfflineRequest{
		TenantID: "acme", FeatureSetID: set.ID, Mode: domain.ModeOnline,
	})
	assert.ErrorIs(t, err, guard.ErrInvalidMode)

	_, err = f.svc.MaterializeOffline(context.Background(), domain.OfflineRequest{
		TenantID: "acme", FeatureSetID: set.ID, Schedule: "hourly",
	})
	assert.ErrorIs(t, err, guard.ErrInvalidSchedule)
}

func TestMaterializeOffline_SameNameAcrossTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "acme", "u1", 10)
	f.purchase(t, "initech", "u1", 3)
	f.purchase(t, "initech", "u1", 8)

	a := f.register(t, "acme", spendSpec("purchases"))
	resA, err := f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "acme", FeatureSetID: a.ID})
	require.NoError(t, err)

	other := spendSpec("purchases")
	other.Filter = "amount > 5"
	b := f.register(t, "initech", other)
	resB, err := f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "initech", FeatureSetID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, featuresetdomain.StatusActive, f.setStatus(t, "initech", b.ID))
	assert.Equal(t, resA.ViewName, resB.ViewName)

	viewA, err := f.svc.GetView(ctx, "acme", a.ID)
	require.NoError(t, err)
	viewB, err := f.svc.GetView(ctx, "initech", b.ID)
	require.NoError(t, err)
	assert.NotEqual(t, viewA.PhysicalName, viewB.PhysicalName)

	row, ok, err := f.svc.FetchEntityRow(ctx, "initech", b.ID, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 8, row["total_spend"])
	assert.EqualValues(t, 1, row["purchase_count"])
}

func TestMaterializeOffline_NameCollisionWithinTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "acme", "u1", 10)
	f.purchase(t, "acme", "u1", 500)

	a := f.register(t, "acme", spendSpec("purchases"))
	_, err := f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "acme", FeatureSetID: a.ID})
	require.NoError(t, err)

	alike := spendSpec("purchases")
	alike.Name = "User-Spend"
	alike.Filter = "amount > 100"
	b := f.register(t, "acme", alike)
	_, err = f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "acme", FeatureSetID: b.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConflict))
	assert.Equal(t, featuresetdomain.StatusDraft, f.setStatus(t, "acme", b.ID))

	view, err := f.svc.GetView(ctx, "acme", a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, view.FeatureSetID)

	row, ok, err := f.svc.FetchEntityRow(ctx, "acme", a.ID, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 510, row["total_spend"])
}

func TestFetchEntityRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "acme", "u1", 10)
	f.purchase(t, "acme", "u1", 15)
	f.purchase(t, "globex", "u9", 99)
	set := f.register(t, "acme", spendSpec("purchases"))
	_, err := f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "acme", FeatureSetID: set.ID})
	require.NoError(t, err)

	row, ok, err := f.svc.FetchEntityRow(ctx, "acme", set.ID, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, row, "tenant_id")
	assert.NotContains(t, row, "entity_id")
	assert.EqualValues(t, 25, row["total_spend"])
	assert.EqualValues(t, 2, row["purchase_count"])

	_, ok, err = f.svc.FetchEntityRow(ctx, "acme", set.ID, "u9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "acme", "u1", 10)
	set := f.register(t, "acme", spendSpec("purchases"))
	res, err := f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "acme", FeatureSetID: set.ID})
	require.NoError(t, err)

	f.purchase(t, "acme", "u2", 4)
	f.purchase(t, "acme", "u3", 6)
	f.clock.Advance(time.Hour)

	require.NoError(t, f.svc.Refresh(ctx, res.MaterializationID))

	m, err := f.svc.GetMaterialization(ctx, "acme", res.MaterializationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, m.Status)
	assert.Equal(t, int64(3), m.RowsProcessed)
	require.NotNil(t, m.LastRunAt)
	assert.True(t, m.LastRunAt.Equal(f.clock.Now()))
	require.NotNil(t, m.LastDurationMs)
	assert.Nil(t, m.ErrorMessage)

	view, err := f.svc.GetView(ctx, "acme", set.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), view.RowCount)
}

func TestRefresh_FailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set := f.register(t, "acme", spendSpec("purchases"))
	res, err := f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "acme", FeatureSetID: set.ID})
	require.NoError(t, err)

	require.NoError(t, f.db.Exec(`DROP TABLE purchases`).Error)

	err = f.svc.Refresh(ctx, res.MaterializationID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrStore))

	m, err := f.svc.GetMaterialization(ctx, "acme", res.MaterializationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, m.Status)
	require.NotNil(t, m.ErrorMessage)
	assert.Equal(t, featuresetdomain.StatusActive, f.setStatus(t, "acme", set.ID))
}

func TestRefresh_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.Refresh(ctx, snowflake.ID(42))
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	set := f.register(t, "acme", spendSpec("purchases"))
	_, err = f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "acme", FeatureSetID: set.ID})
	require.NoError(t, err)
	online, err := f.svc.EnableOnline(ctx, "acme", set.ID)
	require.NoError(t, err)

	err = f.svc.Refresh(ctx, online.ID)
	assert.True(t, errors.Is(err, errs.ErrConflict))
}

func TestEnableOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set := f.register(t, "acme", spendSpec("purchases"))

	_, err := f.svc.EnableOnline(ctx, "acme", set.ID)
	assert.ErrorIs(t, err, featuresetdomain.ErrNotActive)

	_, err = f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "acme", FeatureSetID: set.ID})
	require.NoError(t, err)

	online, err := f.svc.EnableOnline(ctx, "acme", set.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeOnline, online.Mode)
	assert.Equal(t, domain.StatusRunning, online.Status)

	_, err = f.svc.EnableOnline(ctx, "acme", set.ID)
	assert.True(t, errors.Is(err, errs.ErrConflict))

	active, err := f.svc.ListActiveOnline(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, online.ID, active[0].ID)

	disabled, err := f.svc.DisableOnline(ctx, "acme", online.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, disabled.Status)

	active, err = f.svc.ListActiveOnline(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = f.svc.EnableOnline(ctx, "acme", set.ID)
	require.NoError(t, err)
}

func TestMaterializeOffline_BothModeFeedsOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set := f.register(t, "acme", spendSpec("purchases"))

	res, err := f.svc.MaterializeOffline(ctx, domain.OfflineRequest{
		TenantID: "acme", FeatureSetID: set.ID, Mode: domain.ModeBoth,
	})
	require.NoError(t, err)

	active, err := f.svc.ListActiveOnline(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, res.MaterializationID, active[0].ID)

	_, err = f.svc.EnableOnline(ctx, "acme", set.ID)
	assert.True(t, errors.Is(err, errs.ErrConflict))
}

func TestListDueRefreshes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set := f.register(t, "acme", spendSpec("purchases"))
	res, err := f.svc.MaterializeOffline(ctx, domain.OfflineRequest{
		TenantID: "acme", FeatureSetID: set.ID, Schedule: "1h",
	})
	require.NoError(t, err)

	due, err := f.svc.ListDueRefreshes(ctx, f.clock.Now().Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = f.svc.ListDueRefreshes(ctx, f.clock.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, res.MaterializationID, due[0].ID)

	m, err := f.svc.SetSchedule(ctx, "acme", res.MaterializationID, "")
	require.NoError(t, err)
	assert.Nil(t, m.Schedule)

	due, err = f.svc.ListDueRefreshes(ctx, f.clock.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = f.svc.SetSchedule(ctx, "acme", res.MaterializationID, "soon")
	assert.ErrorIs(t, err, guard.ErrInvalidSchedule)
}

func TestRecoverStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set := f.register(t, "acme", spendSpec("purchases"))
	res, err := f.svc.MaterializeOffline(ctx, domain.OfflineRequest{TenantID: "acme", FeatureSetID: set.ID})
	require.NoError(t, err)
	online, err := f.svc.EnableOnline(ctx, "acme", set.ID)
	require.NoError(t, err)

	// Simulate a refresh that crashed after claiming the row.
	claimed, err := repository.Provide().Claim(ctx, f.db, res.MaterializationID, f.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := f.svc.RecoverStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "recent runs are left alone")

	f.clock.Advance(time.Hour)
	n, err = f.svc.RecoverStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	m, err := f.svc.GetMaterialization(ctx, "acme", res.MaterializationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, m.Status)
	require.NotNil(t, m.ErrorMessage)
	assert.Equal(t, "refresh interrupted", *m.ErrorMessage)

	still, err := f.svc.GetMaterialization(ctx, "acme", online.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, still.Status, "online rows are always running")

	require.NoError(t, f.svc.Refresh(ctx, res.MaterializationID))
}
