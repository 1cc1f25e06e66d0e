// Package store is the sole owner of persisted state: neurons, synapses,
// the access log, sessions, and snippets. It applies no associative-memory
// logic of its own — every method here is a row-level operation; the
// weighing of what a weight or a myelination value should become belongs
// to pkg/engine.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ISOTime renders a time.Time the way every timestamp column in this store
// is compared: lexicographically sortable ISO-8601, UTC, millisecond
// precision.
func ISOTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseISOTime reverses ISOTime.
func ParseISOTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02T15:04:05.000Z", s)
}

// Store wraps a single SQLite database handle. mnemo is single-writer,
// multi-reader: one process holds this Store open for writes,
// any number of other processes may open the same file read-only and run
// queries concurrently thanks to WAL.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the database file if missing, applies WAL + busy_timeout +
// foreign_keys pragmas, and runs goose migrations up to the latest version.
// Migrations are additive and idempotent: re-running Open against an
// already-current database is a no-op.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	dsn := fmt.Sprintf(
		"%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)",
		path, busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// DB exposes the raw handle for callers that need ad-hoc reporting queries
// (stats, doctor) that don't warrant a dedicated method.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the on-disk location of the database file.
func (s *Store) Path() string {
	return s.path
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any returned error. record(), decay(), and consolidate() each
// wrap their multi-row writes in exactly one of these.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// IntegrityReport summarizes the result of a `PRAGMA integrity_check` run,
// used by the `doctor` CLI verb.
type IntegrityReport struct {
	OK       bool
	Messages []string
}

// CheckIntegrity runs SQLite's built-in page-level consistency check.
func (s *Store) CheckIntegrity(ctx context.Context) (*IntegrityReport, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	defer rows.Close()

	report := &IntegrityReport{}
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, err
		}
		report.Messages = append(report.Messages, msg)
	}
	report.OK = len(report.Messages) == 1 && report.Messages[0] == "ok"
	return report, rows.Err()
}
