package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the durable persistence layer backed by SQLite.
//
// All mutating operations run inside explicit transactions; partial writes
// are never externally observable. Heartbeat history is laid out as daily
// partition tables behind a thin router (see heartbeats.go); everything else
// is plain rows.
type Store struct {
	db *sql.DB

	// Partition tables already ensured by this process. Ingest consults
	// this set to skip the DDL round-trip on the hot path; DropPartition
	// evicts.
	ensuredMu sync.Mutex
	ensured   map[string]struct{}
}

// Open opens (or creates) the store at dataDir/roost.db
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "roost.db")

	// Pragmas go in the DSN so every pooled connection gets them, not just
	// the one a plain Exec happens to land on. _txlock=immediate makes
	// write transactions take the lock up front and wait out busy_timeout
	// instead of failing a deferred upgrade with SQLITE_BUSY.
	dsn := "file:" + dbPath +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, ensured: make(map[string]struct{})}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance statements
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside an immediate transaction, committing on nil error
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ms converts a time to the integer milliseconds stored in the database
func ms(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// fromMS converts stored milliseconds back to a UTC time
func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// nullMS converts an optional time for storage
func nullMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ms(*t)
}

// isUniqueViolation reports whether err is a SQLite uniqueness violation
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
