package migrate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

var testMigrations = fstest.MapFS{
	"m/001_create_aois.up.sql":    {Data: []byte("CREATE TABLE aois (id INTEGER PRIMARY KEY, name TEXT NOT NULL);")},
	"m/001_create_aois.down.sql":  {Data: []byte("DROP TABLE aois;")},
	"m/002_add_scenes.up.sql":     {Data: []byte("CREATE TABLE scenes (id INTEGER PRIMARY KEY);")},
	"m/002_add_scenes.down.sql":   {Data: []byte("DROP TABLE scenes;")},
	"m/003_broken.up.sql":         {Data: []byte("CREATE TABLE ;")},
	"m/003_broken.down.sql":       {Data: []byte("SELECT 1;")},
	"m/README.md":                 {Data: []byte("ignored")},
	"m/nested/004_skipped.up.sql": {Data: []byte("SELECT 1;")},
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n == 1
}

func TestGetMigrations(t *testing.T) {
	p := NewFSProvider(testMigrations, "m", "", "")
	migrations, err := p.GetMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(migrations) != 3 {
		t.Fatalf("got %d migrations, want 3", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "create aois" || migrations[0].Down == "" {
		t.Errorf("first migration = %+v", migrations[0])
	}
}

func TestGetMigrationsRejectsDuplicates(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
	}{
		{"version zero", fstest.MapFS{"m/000_base.up.sql": {Data: []byte("SELECT 1;")}}},
		{"two up files", fstest.MapFS{
			"m/001_a.up.sql": {Data: []byte("SELECT 1;")},
			"m/1_b.up.sql":   {Data: []byte("SELECT 2;")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFSProvider(tt.fsys, "m", "", "").GetMigrations(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestMigrateUpDownAndFailure(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := NewMigrator(db, NewFSProvider(testMigrations, "m", "", "sqlite"), nil)

	if err := m.MigrateTo(ctx, 2); err != nil {
		t.Fatalf("migrate to 2: %v", err)
	}
	if v, _ := m.CurrentVersion(ctx); v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
	if !tableExists(t, db, "aois") || !tableExists(t, db, "scenes") {
		t.Error("tables missing after migrating up")
	}

	st, err := m.Status(ctx)
	if err != nil || st.UpToDate() || len(st.Applied) != 2 || len(st.Pending) != 1 || st.Pending[0].Version != 3 || st.Latest != 3 {
		t.Errorf("status = %+v, %v", st, err)
	}

	// The broken migration rolls back and leaves the version untouched
	if err := m.MigrateUp(ctx); err == nil {
		t.Error("expected the broken migration to fail")
	}
	if v, _ := m.CurrentVersion(ctx); v != 2 {
		t.Errorf("version after failure = %d, want 2", v)
	}

	if err := m.MigrateTo(ctx, 7); !errors.Is(err, ErrUnknownVersion) {
		t.Errorf("migrate to 7: err = %v, want ErrUnknownVersion", err)
	}

	if err := m.MigrateDown(ctx, 0); err != nil {
		t.Fatalf("migrate down: %v", err)
	}
	if v, _ := m.CurrentVersion(ctx); v != 0 {
		t.Errorf("version = %d, want 0", v)
	}
	if tableExists(t, db, "aois") || tableExists(t, db, "scenes") {
		t.Error("tables left after migrating down")
	}

	if err := m.MigrateDown(ctx, 0); err == nil {
		t.Error("migrating down to the current version should fail")
	}
}

func TestRollbackAcrossVersionGap(t *testing.T) {
	ctx := context.Background()
	gapped := fstest.MapFS{
		"m/001_aois.up.sql":     {Data: []byte("CREATE TABLE aois (id INTEGER PRIMARY KEY);")},
		"m/001_aois.down.sql":   {Data: []byte("DROP TABLE aois;")},
		"m/005_scenes.up.sql":   {Data: []byte("CREATE TABLE scenes (id INTEGER PRIMARY KEY);")},
		"m/005_scenes.down.sql": {Data: []byte("DROP TABLE scenes;")},
	}
	db := openDB(t)
	m := NewMigrator(db, NewFSProvider(gapped, "m", "", "sqlite"), nil)

	if err := m.MigrateUp(ctx); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.CurrentVersion(ctx); v != 5 {
		t.Fatalf("version = %d, want 5", v)
	}

	if err := m.MigrateTo(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.CurrentVersion(ctx); v != 1 {
		t.Errorf("version after rollback = %d, want 1", v)
	}
	if !tableExists(t, db, "aois") || tableExists(t, db, "scenes") {
		t.Error("rollback to 1 should keep aois and drop scenes")
	}
}

func TestForce(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := NewMigrator(db, NewFSProvider(testMigrations, "m", "", "sqlite"), nil)

	if err := m.Force(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.CurrentVersion(ctx); v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
	if tableExists(t, db, "aois") {
		t.Error("force must not run migration SQL")
	}
}
