// Package sqlite implements the repository interfaces using SQLite as the
// storage backend.
//
// Each user's ledger is stored as one row in user_records, with the
// expense sequence and budget history kept as JSON documents. The row is
// the unit of consistency: a write replaces whole fields, never elements.
//
// modernc.org/sqlite is a pure Go driver (no CGo), registered with
// database/sql under the name "sqlite" by the blank import below.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a sql.DB connection pool and implements
// repository.RecordStore and repository.AccountRepository.
type DB struct {
	conn          *sql.DB
	schemaVersion uint
}

// New opens the database at dbPath and applies pending migrations.
//
// dbPath examples:
//   - "data/expenses.db" → file-based database (persistent)
//   - ":memory:"         → in-memory database (tests; lost on close)
//
// An in-memory database exists per connection, so the pool is pinned to a
// single connection in that case.
func New(dbPath string) (*DB, error) {
	memory := dbPath == ":memory:"

	conn, err := sql.Open("sqlite", dsn(dbPath, memory))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	if memory {
		conn.SetMaxOpenConns(1)
	}

	// sql.Open only creates the pool; Ping forces a real connection so a
	// bad path surfaces here rather than on the first query.
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// dsn appends per-connection pragmas. Using _pragma parameters (rather than
// one-off PRAGMA statements) applies them to every connection in the pool.
func dsn(path string, memory bool) string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
	}
	if !memory {
		// WAL lets readers proceed while a write is in progress.
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	return path + "?" + strings.Join(pragmas, "&")
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// SchemaVersion is the migration version applied when the database was
// opened.
func (db *DB) SchemaVersion() uint {
	return db.schemaVersion
}

// migrate applies the embedded migrations with golang-migrate.
//
// The migrate instance shares our pool. It is deliberately not closed:
// closing it closes the database driver, and with it db.conn.
func (db *DB) migrate() error {
	driver, err := migratesqlite.WithInstance(db.conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migrate driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	defer src.Close()

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}
	db.schemaVersion = version

	return nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
