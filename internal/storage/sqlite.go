package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/chatmerge/internal/sqlitedb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width UTC so lexical order in SQLite matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists conversations, folders and settings for the web application.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Open opens (or creates) chatmerge.db in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	db, err := sqlitedb.Open(dataDir, "chatmerge.db")
	if err != nil {
		return nil, err
	}
	if err := sqlitedb.Migrate(db, migrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db, now: time.Now, logger: slog.Default()}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	return sqlitedb.AppliedMigrations(s.db)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) tx(fn func(tx *sql.Tx) error) error {
	return sqlitedb.Tx(s.db, fn)
}

// stamp returns the store clock in UTC.
func (s *Store) stamp() time.Time {
	return s.now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, v)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", v, err)
	}
	return t.UTC(), nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func exists(q querier, table, id string) (bool, error) {
	var n int
	if err := q.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&n); err != nil {
		return false, fmt.Errorf("checking %s %s: %w", table, id, err)
	}
	return n > 0, nil
}
