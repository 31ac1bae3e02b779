package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/featurestore/internal/materialization/domain"
	"github.com/smallbiznis/featurestore/pkg/db"
	"gorm.io/gorm"
)

// keyColumns are projected by every compiled view and are not features.
var keyColumns = []string{"tenant_id", "entity_id"}

type viewStore struct{}

func ProvideViewStore() domain.ViewStore {
	return &viewStore{}
}

func (v *viewStore) Create(ctx context.Context, conn *gorm.DB, viewName, query string) (string, error) {
	name := quoteIdent(viewName)
	if db.IsPostgres(conn) {
		err := conn.WithContext(ctx).Exec(`CREATE MATERIALIZED VIEW IF NOT EXISTS ` + name + ` AS ` + query).Error
		return domain.RefreshMaterialized, err
	}
	err := conn.WithContext(ctx).Exec(`CREATE VIEW IF NOT EXISTS ` + name + ` AS ` + query).Error
	return domain.RefreshView, err
}

func (v *viewStore) Refresh(ctx context.Context, conn *gorm.DB, viewName string) error {
	if !db.IsPostgres(conn) {
		// plain views are computed on read
		return nil
	}
	return conn.WithContext(ctx).Exec(`REFRESH MATERIALIZED VIEW ` + quoteIdent(viewName)).Error
}

func (v *viewStore) Stats(ctx context.Context, conn *gorm.DB, viewName string) (domain.ViewStats, error) {
	var stats domain.ViewStats
	if err := conn.WithContext(ctx).Raw(`SELECT COUNT(*) FROM ` + quoteIdent(viewName)).Scan(&stats.RowCount).Error; err != nil {
		return stats, err
	}
	if db.IsPostgres(conn) {
		if err := conn.WithContext(ctx).Raw(`SELECT pg_total_relation_size(?::regclass)`, viewName).Scan(&stats.SizeBytes).Error; err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (v *viewStore) FetchEntityRow(ctx context.Context, conn *gorm.DB, viewName, tenantID, entityID string) (map[string]any, bool, error) {
	var rows []map[string]any
	err := conn.WithContext(ctx).Raw(
		`SELECT * FROM `+quoteIdent(viewName)+` WHERE tenant_id = ? AND entity_id = ? LIMIT 1`,
		tenantID, entityID,
	).Scan(&rows).Error
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}

	row := rows[0]
	for _, key := range keyColumns {
		delete(row, key)
	}
	for key, value := range row {
		if b, ok := value.([]byte); ok {
			row[key] = string(b)
		}
	}
	return row, true, nil
}

func quoteIdent(name string) string {
	return fmt.Sprintf(`"%s"`, strings.ReplaceAll(name, `"`, `""`))
}
