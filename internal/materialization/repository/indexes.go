package repository

import (
	"context"

	"gorm.io/gorm"
)

// PartialIndexes keep at most one live offline and one live online
// materialization per feature set. Both dialects accept the same DDL.
var PartialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_materializations_offline_live
	 ON materializations (feature_set_id)
	 WHERE mode IN ('offline', 'both') AND status NOT IN ('failed', 'cancelled')`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_materializations_online_live
	 ON materializations (feature_set_id)
	 WHERE mode IN ('online', 'both') AND status NOT IN ('failed', 'cancelled')`,
}

func EnsureIndexes(ctx context.Context, db *gorm.DB) error {
	for _, stmt := range PartialIndexes {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
