// Package store is the durable event store backing the bridge daemon. It
// holds a prioritized, lane-aware event queue with at-least-once semantics,
// the DM lifecycle state, and per-user delivery offsets in one embedded
// SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store wraps the SQLite database holding events, DM state, and offsets.
//
// All goroutines share a single connection (SetMaxOpenConns(1)) so writers
// serialize in-process and SQLITE_BUSY never surfaces from concurrent
// producers. The busy timeout still guards against external readers.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the event store at path and applies
// pending schema migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging event store: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating event store: %w", err)
	}

	return &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// now returns the current time truncated to milliseconds, the resolution
// stored in the database.
func now() time.Time {
	return time.Now().Truncate(time.Millisecond)
}

// toMillis converts a time to the stored representation.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// fromMillis converts a stored timestamp back to a time. Zero stays zero.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
