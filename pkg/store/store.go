// Package store is the embedded relational persistence layer and the single
// source of truth for sessions, prompts, pending messages, observations,
// summaries, agents, aliases, and the audit log. It is backed by SQLite with
// WAL journaling and foreign-key enforcement.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/claude-mem/claude-mem/pkg/sqlitedriver" // registers "sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// Sentinel errors surfaced to callers. The API layer maps these to HTTP
// statuses.
var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrNoMessagesAvailable = errors.New("no pending messages available")
)

// ValidationError reports a schema/data violation (bad type, bad visibility,
// bad status value). These are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// busyRetries bounds statement-level retry on SQLITE_BUSY contention.
const busyRetries = 5

// Store wraps the SQLite database. All methods are safe for concurrent use;
// writes are serialized by SQLite's own locking.
type Store struct {
	db *sql.DB

	// migrated records whether all required migrations applied; writes are
	// refused until it is true.
	migrated bool

	// repaired counts columns added by repairSchema on open. A freshly
	// migrated database needs none.
	repaired int

	// Enqueue listeners keyed by session DB id, signalled on every enqueue so
	// supervisor iterators wake without polling delay.
	mu        sync.Mutex
	listeners map[int64][]chan struct{}
}

// Open opens (creating if necessary) the database at path, applies pending
// migrations, and repairs known schema drift. The returned Store refuses
// writes if any required migration did not apply.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn
	// between the pool's connections while WAL still allows concurrent reads
	// through the same handle.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, listeners: make(map[int64][]chan struct{})}

	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := s.repairSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repair schema: %w", err)
	}
	s.migrated = true

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks and metrics queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ready reports whether migrations completed and the store accepts writes.
func (s *Store) Ready() bool {
	return s.migrated
}

// runMigrations applies embedded migration files in version order, each in
// its own transaction (the sqlite migrate driver wraps every file).
func (s *Store) runMigrations() error {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "claude-mem", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source. Closing m would also close the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// repairSchema fixes drift left behind by old builds that recorded migration
// versions inconsistently. It detects prior application by column existence,
// not by recorded version, so partially-migrated databases converge without
// double-apply errors.
func (s *Store) repairSchema(ctx context.Context) error {
	repairs := []struct {
		table, column, ddl string
	}{
		{"observations", "text", "ALTER TABLE observations ADD COLUMN text TEXT"},
		{"observations", "bead_id", "ALTER TABLE observations ADD COLUMN bead_id TEXT"},
		{"pending_messages", "bead_id", "ALTER TABLE pending_messages ADD COLUMN bead_id TEXT"},
		{"user_prompts", "agent_id", "ALTER TABLE user_prompts ADD COLUMN agent_id TEXT"},
		{"user_prompts", "sender_id", "ALTER TABLE user_prompts ADD COLUMN sender_id TEXT"},
	}

	for _, r := range repairs {
		exists, err := s.columnExists(ctx, r.table, r.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.db.ExecContext(ctx, r.ddl); err != nil {
			return fmt.Errorf("add %s.%s: %w", r.table, r.column, err)
		}
		s.repaired++
		slog.Info("Repaired schema drift", "table", r.table, "column", r.column)
	}
	return nil
}

func (s *Store) columnExists(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// execRetry runs a write statement with bounded retry on transient lock
// contention. Persistent contention surfaces as the final error.
func (s *Store) execRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var lastErr error
	for i := 0; i < busyRetries; i++ {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if !isBusy(err) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * 10 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// mapConstraintError translates SQLite constraint failures into the store's
// typed errors so callers never see raw driver strings.
func mapConstraintError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, msg)
	case strings.Contains(msg, "CHECK constraint failed"):
		return &ValidationError{Field: "value", Reason: msg}
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return &ValidationError{Field: "reference", Reason: msg}
	}
	return err
}

// nowEpoch returns the current time in milliseconds since the Unix epoch.
func nowEpoch() int64 {
	return time.Now().UnixMilli()
}

// nullable converts an empty string to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableInt converts zero to NULL for optional integer columns.
func nullableInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
