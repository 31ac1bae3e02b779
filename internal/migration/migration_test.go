package migration

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/smallbiznis/featurestore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestApply_SQLite(t *testing.T) {
	db := testutil.OpenSQLite(t)
	ctx := context.Background()

	require.NoError(t, Apply(ctx, db))
	require.NoError(t, Apply(ctx, db), "applying twice is a no-op")

	for _, table := range []string{"feature_sets", "feature_set_lineage", "materializations", "feature_views", "feature_cache_entries"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}

	var n int64
	require.NoError(t, db.Raw(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name IN ('ux_materializations_offline_live', 'ux_materializations_online_live')`,
	).Scan(&n).Error)
	assert.Equal(t, int64(2), n)
}
