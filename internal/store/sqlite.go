// ABOUTME: SQLite implementation of the Backend interface using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Durable storage with per-conversation message tables and automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver.
	DriverMattn = "sqlite3"

	defaultBusyTimeout = 5 * time.Second
)

// schemaVersion is written to PRAGMA user_version after migrations.
const schemaVersion = 1

// SQLiteStore implements the Backend interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	closed atomic.Bool
}

// SQLiteOption customises NewSQLiteStore.
type SQLiteOption func(*sqliteOptions)

type sqliteOptions struct {
	driver      string
	busyTimeout time.Duration
	logger      *slog.Logger
}

// WithDriver selects the database/sql driver name (DriverModernc or DriverMattn).
func WithDriver(driver string) SQLiteOption {
	return func(o *sqliteOptions) { o.driver = driver }
}

// WithBusyTimeout sets how long SQLite waits on a locked database before returning ErrBusy.
func WithBusyTimeout(d time.Duration) SQLiteOption {
	return func(o *sqliteOptions) { o.busyTimeout = d }
}

// WithLogger sets the logger used by the store.
func WithLogger(logger *slog.Logger) SQLiteOption {
	return func(o *sqliteOptions) { o.logger = logger }
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	o := sqliteOptions{
		driver:      DriverModernc,
		busyTimeout: defaultBusyTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.driver != DriverModernc && o.driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", o.driver)
	}
	logger := o.logger.With("component", "store", "backend", "sqlite")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w: %w", ErrIO, err)
	}

	db, err := sql.Open(o.driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w: %w", ErrIO, err)
	}

	// SQLite allows one writer; a single connection turns lock contention
	// into queueing inside database/sql instead of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", o.busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, classify(fmt.Sprintf("applying %q", p), err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, classify("creating schema", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, classify("running migrations", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", o.driver)
	return s, nil
}

// createSchema creates the shared tables if they don't exist.
// Per-conversation message tables are created lazily on first insert.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS contacts (
			id           BLOB PRIMARY KEY,
			kind         INTEGER NOT NULL,
			display_name TEXT NOT NULL,
			alias        TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,

			CHECK (kind IN (0, 1, 2))
		);

		CREATE INDEX IF NOT EXISTS idx_contacts_kind ON contacts(kind);

		CREATE TABLE IF NOT EXISTS direct_conversations (
			id         BLOB PRIMARY KEY,
			person_a   BLOB NOT NULL REFERENCES contacts(id),
			person_b   BLOB NOT NULL REFERENCES contacts(id),
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS message_index (
			message_id      BLOB PRIMARY KEY,
			conversation_id BLOB NOT NULL,
			table_name      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_message_index_table ON message_index(table_name);

		CREATE TABLE IF NOT EXISTS deliveries (
			message_id      BLOB NOT NULL,
			recipient_id    BLOB NOT NULL,
			conversation_id BLOB NOT NULL,
			state           INTEGER NOT NULL,
			state_at        INTEGER NOT NULL,
			seq             INTEGER NOT NULL,

			PRIMARY KEY (message_id, recipient_id),
			CHECK (state IN (0, 1, 2, 3, 4))
		);

		CREATE TABLE IF NOT EXISTS cached_files (
			digest     BLOB PRIMARY KEY,
			name       TEXT NOT NULL,
			size       INTEGER NOT NULL,
			data       BLOB NOT NULL,
			ref_count  INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			zero_since INTEGER,

			CHECK (ref_count >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_cached_files_zero ON cached_files(zero_since)
			WHERE ref_count = 0;
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies incremental schema changes based on user_version.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}

	if version < 1 {
		// Version 1 introduced the broadcast acknowledgment column on message tables.
		tables, err := s.listTables(context.Background(), s.db, AllMessageTables)
		if err != nil {
			return err
		}
		for _, name := range tables {
			var exists int
			err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = 'broadcast_acked_at'`, name).Scan(&exists)
			if err == nil {
				continue
			}
			if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE %q ADD COLUMN broadcast_acked_at INTEGER`, name)); err != nil {
				return fmt.Errorf("adding broadcast_acked_at to %s: %w", name, err)
			}
			s.logger.Info("applied migration", "column", "broadcast_acked_at", "table", name)
		}
	}

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("setting user_version: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// listTables returns message table names matching a glob pattern.
func (s *SQLiteStore) listTables(ctx context.Context, q queryer, pattern string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name GLOB ?
		ORDER BY name
	`, pattern)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Begin starts a transaction on the store's single connection.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	if s.closed.Load() {
		return nil, ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("beginning transaction", err)
	}
	return &sqliteTx{tx: tx, store: s}, nil
}

// classify wraps a driver error with the matching backend sentinel.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicateID), errors.Is(err, ErrBadPattern):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, sql.ErrConnDone), strings.Contains(err.Error(), "database is closed"):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	case isBusy(err):
		return fmt.Errorf("%s: %w: %w", op, ErrBusy, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
	}
}

// isBusy checks if the error is SQLite lock contention
func isBusy(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "database table is locked")
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY")
}

// Ensure SQLiteStore implements Backend interface
var _ Backend = (*SQLiteStore)(nil)
