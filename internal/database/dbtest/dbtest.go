// Package dbtest opens throwaway migrated SQLite stores for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/chrissnell/snowpatch/internal/database"
)

// Open returns a connected client on a fresh file database in t.TempDir with all migrations applied
func Open(t *testing.T) *database.Client {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "snow_patches.db")
	client := database.NewClient(database.Config{Driver: database.DriverSQLite, DSN: dsn}, zap.NewNop().Sugar())
	if err := client.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := client.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return client
}
