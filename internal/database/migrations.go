package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/chrissnell/snowpatch/pkg/migrate"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// MigrationTable tracks the applied schema version
const MigrationTable = "schema_migrations"

// MigrationProvider returns the embedded migrations for driver
func MigrationProvider(driver string) (*migrate.FileProvider, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
		return migrate.NewFSProvider(migrationFiles, "migrations/"+driver, MigrationTable, driver), nil
	default:
		return nil, fmt.Errorf("no migrations for driver %q", driver)
	}
}

// Migrate brings the schema up to the latest embedded version
func (c *Client) Migrate(ctx context.Context) error {
	provider, err := MigrationProvider(c.config.Driver)
	if err != nil {
		return err
	}

	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}

	if err := migrate.NewMigrator(sqlDB, provider, c.logger).MigrateUp(ctx); err != nil {
		return fmt.Errorf("migrating %s schema: %w", c.config.Driver, err)
	}
	return nil
}
