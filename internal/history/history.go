// File: internal/history/history.go

// Package history persists the log sequence across runs so a disconnect can
// still be diagnosed after the client restarts.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/xkilldash9x/simsync/internal/config"
	"github.com/xkilldash9x/simsync/internal/state"
)

const writeTimeout = 5 * time.Second

// Log is a durable log history: a state.LogSink that can also replay what it
// holds.
type Log interface {
	state.LogSink
	// Load returns the newest limit entries in arrival order. A limit of zero
	// or less returns everything.
	Load(ctx context.Context, limit int) ([]state.LogEntry, error)
	Close() error
}

// OpenConfigured opens the backend cfg selects.
func OpenConfigured(ctx context.Context, cfg config.HistoryConfig) (Log, error) {
	if !cfg.Enabled() {
		return nil, errors.New("log history is disabled")
	}
	if cfg.Driver == "postgres" {
		return OpenPostgres(ctx, cfg.DSN)
	}
	return Open(ctx, cfg.Path)
}

// Store is a SQLite backed Log.
type Store struct {
	db   *sql.DB
	path string
}

var (
	_ Log           = (*Store)(nil)
	_ BatchAppender = (*Store)(nil)
)

// Open opens or creates the history database at path. A leading "~" is
// expanded to the user's home directory.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history path is empty")
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand history path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", expanded)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS log_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create log_entries table: %w", err)
	}
	return &Store{db: db, path: expanded}, nil
}

// Path returns the expanded database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append implements state.LogSink.
func (s *Store) Append(entry state.LogEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO log_entries(ts, level, message) VALUES (?, ?, ?)`,
		entry.Timestamp.UTC().Format(time.RFC3339Nano), string(entry.Level), entry.Message)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// AppendBatch implements BatchAppender with one transaction.
func (s *Store) AppendBatch(ctx context.Context, entries []state.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO log_entries(ts, level, message) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare log batch: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Level), e.Message); err != nil {
			return fmt.Errorf("insert log entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log batch: %w", err)
	}
	return nil
}

// Clear implements state.LogSink.
func (s *Store) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM log_entries`); err != nil {
		return fmt.Errorf("clear log entries: %w", err)
	}
	return nil
}

// Load implements Log.
func (s *Store) Load(ctx context.Context, limit int) ([]state.LogEntry, error) {
	query := `SELECT ts, level, message FROM (
		SELECT id, ts, level, message FROM log_entries ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`
	if limit <= 0 {
		limit = -1 // sqlite treats a negative limit as unbounded
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select log entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []state.LogEntry
	for rows.Next() {
		var ts, level, message string
		if err := rows.Scan(&ts, &level, &message); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse log timestamp %q: %w", ts, err)
		}
		lvl, _ := state.ParseLogLevel(level)
		out = append(out, state.LogEntry{Timestamp: parsed, Level: lvl, Message: message})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return out, nil
}
