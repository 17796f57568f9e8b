// Package migrate applies versioned SQL migrations to a database/sql connection.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Latest asks MigrateTo for the newest known version
const Latest = -1

// ErrUnknownVersion is returned for a target that matches no migration
var ErrUnknownVersion = errors.New("unknown migration version")

// Migration is one numbered schema change with its rollback
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Execer is satisfied by *sql.DB and *sql.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// MigrationProvider loads migrations and tracks which version is applied
type MigrationProvider interface {
	GetMigrations() ([]Migration, error)
	CreateMigrationTable(ctx context.Context, db *sql.DB) error
	GetCurrentVersion(ctx context.Context, db *sql.DB) (int, error)
	SetVersion(ctx context.Context, db Execer, version int) error
}

// Status describes where a database stands against the known migrations
type Status struct {
	Current int
	Latest  int
	Applied []Migration
	Pending []Migration
}

// UpToDate reports whether nothing is pending
func (s Status) UpToDate() bool {
	return len(s.Pending) == 0
}

// Migrator applies migrations from a provider
type Migrator struct {
	db       *sql.DB
	provider MigrationProvider
	logger   *zap.SugaredLogger
}

// NewMigrator creates a new migrator instance
func NewMigrator(db *sql.DB, provider MigrationProvider, logger *zap.SugaredLogger) *Migrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Migrator{db: db, provider: provider, logger: logger}
}

// MigrateUp applies every pending migration
func (m *Migrator) MigrateUp(ctx context.Context) error {
	return m.MigrateTo(ctx, Latest)
}

// MigrateTo moves the schema up or down to target. Each step runs in its own transaction, so a
// failure leaves the schema at the last version that succeeded.
func (m *Migrator) MigrateTo(ctx context.Context, target int) error {
	migrations, current, err := m.load(ctx)
	if err != nil {
		return err
	}

	if target == Latest {
		target = 0
		if n := len(migrations); n > 0 {
			target = migrations[n-1].Version
		}
	}
	if target != 0 && indexOf(migrations, target) < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, target)
	}

	if target < current {
		return m.down(ctx, migrations, current, target)
	}
	for _, mig := range migrations {
		if mig.Version <= current || mig.Version > target {
			continue
		}
		if err := m.execute(ctx, mig, mig.Up, "up", mig.Version); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", mig.Version, err)
		}
	}
	return nil
}

// MigrateDown rolls back every migration above target
func (m *Migrator) MigrateDown(ctx context.Context, target int) error {
	migrations, current, err := m.load(ctx)
	if err != nil {
		return err
	}
	if target >= current {
		return fmt.Errorf("target version %d must be less than current version %d", target, current)
	}
	return m.down(ctx, migrations, current, target)
}

func (m *Migrator) down(ctx context.Context, migrations []Migration, current, target int) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		mig := migrations[i]
		if mig.Version > current || mig.Version <= target {
			continue
		}
		previous := 0
		if i > 0 {
			previous = migrations[i-1].Version
		}
		if err := m.execute(ctx, mig, mig.Down, "down", previous); err != nil {
			return fmt.Errorf("failed to roll back migration %d: %w", mig.Version, err)
		}
	}
	return nil
}

// Status compares the applied version against the known migrations
func (m *Migrator) Status(ctx context.Context) (Status, error) {
	migrations, current, err := m.load(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{Current: current}
	for _, mig := range migrations {
		if mig.Version <= current {
			st.Applied = append(st.Applied, mig)
		} else {
			st.Pending = append(st.Pending, mig)
		}
		st.Latest = mig.Version
	}
	return st, nil
}

// CurrentVersion returns the applied version, 0 for an empty database
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.provider.CreateMigrationTable(ctx, m.db); err != nil {
		return 0, fmt.Errorf("failed to create migration table: %w", err)
	}
	return m.provider.GetCurrentVersion(ctx, m.db)
}

// Force records version as applied without running any SQL
func (m *Migrator) Force(ctx context.Context, version int) error {
	if err := m.provider.CreateMigrationTable(ctx, m.db); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}
	return m.provider.SetVersion(ctx, m.db, version)
}

func (m *Migrator) load(ctx context.Context) ([]Migration, int, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get current version: %w", err)
	}
	migrations, err := m.provider.GetMigrations()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get migrations: %w", err)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, current, nil
}

func (m *Migrator) execute(ctx context.Context, mig Migration, stmt, direction string, newVersion int) error {
	if stmt == "" {
		return fmt.Errorf("migration %d has no %s SQL", mig.Version, direction)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if err := m.provider.SetVersion(ctx, tx, newVersion); err != nil {
		return fmt.Errorf("failed to update migration version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	m.logger.Infow("applied migration", "version", mig.Version, "name", mig.Name, "direction", direction, "schema_version", newVersion)
	return nil
}

func indexOf(migrations []Migration, version int) int {
	for i, mig := range migrations {
		if mig.Version == version {
			return i
		}
	}
	return -1
}
