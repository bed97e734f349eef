package sqlitedb

import (
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"m/002_second.sql": {Data: []byte(`ALTER TABLE kv ADD COLUMN note TEXT NOT NULL DEFAULT '';`)},
		"m/001_first.sql":  {Data: []byte(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT);`)},
		"m/README":         {Data: []byte("ignored")},
	}
}

func TestMigrateOrderedAndIdempotent(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, "test.db")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := Migrate(db, testFS(), "m"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	db.Close()

	db, err = Open(dir, "test.db")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if err := Migrate(db, testFS(), "m"); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	versions, err := AppliedMigrations(db)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		t.Errorf("versions = %v, want [1 2]", versions)
	}
	if _, err := db.Exec(`INSERT INTO kv (k, v, note) VALUES ('a', 'b', 'c')`); err != nil {
		t.Errorf("insert after migrations: %v", err)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	if v, err := ParseMigrationVersion("012_add_things.sql"); err != nil || v != 12 {
		t.Errorf("ParseMigrationVersion = %d, %v; want 12", v, err)
	}
	if _, err := ParseMigrationVersion("things.sql"); err == nil {
		t.Error("expected error for unnumbered file")
	}
}

func TestTxRollsBack(t *testing.T) {
	db, err := Open(Memory, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err = Tx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv (k) VALUES ('x')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Tx err = %v, want boom", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rows after rollback = %d, want 0", n)
	}
}

func TestMigrateRejectsDuplicateVersions(t *testing.T) {
	db, err := Open(Memory, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"m/001_a.sql": {Data: []byte(`CREATE TABLE a (x INTEGER);`)},
		"m/001_b.sql": {Data: []byte(`CREATE TABLE b (x INTEGER);`)},
	}
	if err := Migrate(db, fsys, "m"); err == nil {
		t.Fatal("expected error for duplicate migration version")
	}
	if versions, _ := AppliedMigrations(db); len(versions) != 0 {
		t.Errorf("versions = %v, want none applied", versions)
	}
}
