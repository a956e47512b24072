// File: internal/history/postgres.go
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xkilldash9x/simsync/internal/state"
)

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Close()
}

const (
	pgCreateTable = `CREATE TABLE IF NOT EXISTS log_entries (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	)`
	pgInsert = `INSERT INTO log_entries (ts, level, message) VALUES ($1, $2, $3)`
	pgDelete = `DELETE FROM log_entries`
	// A NULL limit is unbounded in PostgreSQL.
	pgSelect = `SELECT ts, level, message FROM (
		SELECT id, ts, level, message FROM log_entries ORDER BY id DESC LIMIT $1
	) AS recent ORDER BY id ASC`
)

// PGStore is a PostgreSQL backed Log, for clients that share one history.
type PGStore struct {
	pool DBPool
}

var (
	_ Log           = (*PGStore)(nil)
	_ BatchAppender = (*PGStore)(nil)
)

// OpenPostgres connects to dsn, verifies the connection and ensures the
// log_entries table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, errors.New("history dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := NewPGStore(pool)
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPGStore wraps an existing pool. The caller is responsible for the schema;
// OpenPostgres creates it.
func NewPGStore(pool DBPool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgCreateTable); err != nil {
		return fmt.Errorf("create log_entries table: %w", err)
	}
	return nil
}

// Append implements state.LogSink.
func (s *PGStore) Append(entry state.LogEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := s.pool.Exec(ctx, pgInsert, entry.Timestamp.UTC(), string(entry.Level), entry.Message); err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// AppendBatch implements BatchAppender using the COPY protocol.
func (s *PGStore) AppendBatch(ctx context.Context, entries []state.LogEntry) error {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.Timestamp.UTC(), string(e.Level), e.Message}
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"log_entries"}, []string{"ts", "level", "message"}, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy log entries: %w", err)
	}
	if int(n) != len(entries) {
		return fmt.Errorf("copy log entries: wrote %d of %d", n, len(entries))
	}
	return nil
}

// Clear implements state.LogSink.
func (s *PGStore) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := s.pool.Exec(ctx, pgDelete); err != nil {
		return fmt.Errorf("clear log entries: %w", err)
	}
	return nil
}

// Load implements Log.
func (s *PGStore) Load(ctx context.Context, limit int) ([]state.LogEntry, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, pgSelect, lim)
	if err != nil {
		return nil, fmt.Errorf("select log entries: %w", err)
	}
	defer rows.Close()

	var out []state.LogEntry
	for rows.Next() {
		var (
			ts      time.Time
			level   string
			message string
		)
		if err := rows.Scan(&ts, &level, &message); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		lvl, _ := state.ParseLogLevel(level)
		out = append(out, state.LogEntry{Timestamp: ts.UTC(), Level: lvl, Message: message})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return out, nil
}

// Close releases the pool.
func (s *PGStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
