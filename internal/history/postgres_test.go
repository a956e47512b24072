// internal/history/postgres_test.go
package history

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/simsync/internal/state"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T) (*PGStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return NewPGStore(mockPool), mockPool
}

func TestOpenPostgres_EmptyDSN(t *testing.T) {
	_, err := OpenPostgres(context.Background(), "")
	assert.Error(t, err)
}

func TestPGStore_Migrate(t *testing.T) {
	store, mockPool := newMockStore(t)
	mockPool.ExpectExec(flexibleSQLMatcher(pgCreateTable)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPGStore_Append(t *testing.T) {
	store, mockPool := newMockStore(t)
	ts := time.Date(2025, 2, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))

	mockPool.ExpectExec(flexibleSQLMatcher(pgInsert)).
		WithArgs(ts.UTC(), "WARNING", "low funds").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Append(state.LogEntry{Timestamp: ts, Level: state.LevelWarning, Message: "low funds"}))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPGStore_AppendError(t *testing.T) {
	store, mockPool := newMockStore(t)
	dbErr := errors.New("connection reset")
	mockPool.ExpectExec(flexibleSQLMatcher(pgInsert)).
		WithArgs(pgxmock.AnyArg(), "INFO", "x").
		WillReturnError(dbErr)

	err := store.Append(state.LogEntry{Timestamp: time.Now(), Level: state.LevelInfo, Message: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, dbErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPGStore_AppendBatch(t *testing.T) {
	store, mockPool := newMockStore(t)
	mockPool.ExpectCopyFrom(pgx.Identifier{"log_entries"}, []string{"ts", "level", "message"}).
		WillReturnResult(2)

	entries := []state.LogEntry{
		{Timestamp: time.Now(), Level: state.LevelInfo, Message: "a"},
		{Timestamp: time.Now(), Level: state.LevelError, Message: "b"},
	}
	require.NoError(t, store.AppendBatch(context.Background(), entries))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPGStore_AppendBatchShortWrite(t *testing.T) {
	store, mockPool := newMockStore(t)
	mockPool.ExpectCopyFrom(pgx.Identifier{"log_entries"}, []string{"ts", "level", "message"}).
		WillReturnResult(1)

	entries := []state.LogEntry{{Message: "a"}, {Message: "b"}}
	assert.ErrorContains(t, store.AppendBatch(context.Background(), entries), "wrote 1 of 2")
}

func TestPGStore_Clear(t *testing.T) {
	store, mockPool := newMockStore(t)
	mockPool.ExpectExec(flexibleSQLMatcher(pgDelete)).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, store.Clear())
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPGStore_Load(t *testing.T) {
	store, mockPool := newMockStore(t)
	base := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"ts", "level", "message"}).
		AddRow(base, "INFO", "two").
		AddRow(base.Add(time.Second), "error", "three")
	mockPool.ExpectQuery(flexibleSQLMatcher(pgSelect)).WithArgs(2).WillReturnRows(rows)

	entries, err := store.Load(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Message)
	assert.Equal(t, state.LevelError, entries[1].Level, "levels are normalized")
	assert.Equal(t, base.Add(time.Second), entries[1].Timestamp)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPGStore_LoadUnbounded(t *testing.T) {
	store, mockPool := newMockStore(t)
	mockPool.ExpectQuery(flexibleSQLMatcher(pgSelect)).WithArgs(nil).
		WillReturnRows(pgxmock.NewRows([]string{"ts", "level", "message"}))

	entries, err := store.Load(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPGStore_AsStateSink(t *testing.T) {
	store, mockPool := newMockStore(t)
	mockPool.ExpectExec(flexibleSQLMatcher(pgInsert)).
		WithArgs(pgxmock.AnyArg(), "INFO", "hello").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := state.NewStore(nil, state.WithLogSink(store))
	s.AddLog(state.LevelInfo, "hello")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
