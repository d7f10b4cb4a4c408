package sqlitemigrate

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return sqlDB
}

func TestApplyRunsMigrationsOnce(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"001_accounts.sql": &fstest.MapFile{Data: []byte(`
-- +migrate Up
CREATE TABLE accounts (id TEXT PRIMARY KEY);
-- +migrate Down
DROP TABLE accounts;
`)},
		"002_seed.sql": &fstest.MapFile{Data: []byte(`
INSERT INTO accounts (id) VALUES ('a-1');
`)},
	}

	if err := Apply(sqlDB, migrations); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// Re-running must be a no-op: the seed would otherwise violate the PK.
	if err := Apply(sqlDB, migrations); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(1) FROM accounts").Scan(&count); err != nil {
		t.Fatalf("count accounts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected single seed row, got %d", count)
	}
}

func TestApplyOrdersLexically(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"002_rows.sql":   &fstest.MapFile{Data: []byte(`INSERT INTO items (id) VALUES ('x');`)},
		"001_tables.sql": &fstest.MapFile{Data: []byte(`CREATE TABLE items (id TEXT PRIMARY KEY);`)},
	}

	if err := Apply(sqlDB, migrations); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	var id string
	if err := sqlDB.QueryRow("SELECT id FROM items").Scan(&id); err != nil {
		t.Fatalf("select item: %v", err)
	}
	if id != "x" {
		t.Fatalf("expected seeded row, got %q", id)
	}
}

func TestApplyRequiresDB(t *testing.T) {
	if err := Apply(nil, fstest.MapFS{}); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestUpSectionExtraction(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE t (id TEXT);\n-- +migrate Down\nDROP TABLE t;\n"
	got := upSection(content)
	if got != "\nCREATE TABLE t (id TEXT);\n" {
		t.Fatalf("unexpected up section: %q", got)
	}
	if upSection("SELECT 1;") != "SELECT 1;" {
		t.Fatal("expected unmarked content to pass through")
	}
}
