package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	featurecachedomain "github.com/smallbiznis/featurestore/internal/featurecache/domain"
	featuresetdomain "github.com/smallbiznis/featurestore/internal/featureset/domain"
	materializationdomain "github.com/smallbiznis/featurestore/internal/materialization/domain"
	materializationrepo "github.com/smallbiznis/featurestore/internal/materialization/repository"
	"gorm.io/gorm"
)

// Models are the tables owned by the feature store.
func Models() []any {
	return []any{
		&featuresetdomain.FeatureSet{},
		&featuresetdomain.Lineage{},
		&materializationdomain.Materialization{},
		&materializationdomain.FeatureView{},
		&featurecachedomain.CacheEntry{},
	}
}

// Apply brings the schema up to date for the connection's dialect: embedded
// SQL migrations on Postgres, AutoMigrate plus partial indexes elsewhere.
func Apply(ctx context.Context, conn *gorm.DB) error {
	if conn.Dialector.Name() == "postgres" {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}
	if err := conn.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return materializationrepo.EnsureIndexes(ctx, conn)
}

// RunMigrations applies the embedded Postgres migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
