package eventstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cordum/flowlog/core/workflow"
	"github.com/stretchr/testify/require"
)

func newSQLiteLog(t *testing.T) *SQL {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "events.db") + "?_pragma=busy_timeout(5000)"
	store, err := OpenSQL(context.Background(), DialectSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteConformance(t *testing.T) {
	runConformance(t, newSQLiteLog(t))
}

func TestSQLiteInMemory(t *testing.T) {
	store, err := OpenSQL(context.Background(), DialectSQLite, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	rng, err := store.Append(ctx, "wf-mem", 0, testEvents(t, "wf-mem", 2))
	require.NoError(t, err)
	require.Equal(t, workflow.SequenceRange{From: 1, To: 2}, rng)

	last, err := store.LastSequence(ctx, "wf-mem")
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
}

func TestSQLiteDurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "reopen.db")

	first, err := OpenSQL(ctx, DialectSQLite, dsn)
	require.NoError(t, err)
	_, err = first.Append(ctx, "wf-durable", 0, testEvents(t, "wf-durable", 3))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenSQL(ctx, DialectSQLite, dsn)
	require.NoError(t, err)
	defer second.Close()

	events, err := second.ReadPage(ctx, "wf-durable", 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, uint64(3), events[2].Sequence)

	_, err = second.Append(ctx, "wf-durable", 2, testEvents(t, "wf-durable", 1))
	require.ErrorIs(t, err, workflow.ErrConcurrencyConflict)
}

func TestPostgresPlaceholders(t *testing.T) {
	s := &SQL{dialect: DialectPostgres}
	require.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.q("SELECT a FROM t WHERE x = ? AND y = ?"))
	s.dialect = DialectSQLite
	require.Equal(t, "x = ?", s.q("x = ?"))
	require.Equal(t, "pgx", DialectPostgres.driverName())
	require.Equal(t, "sqlite", DialectSQLite.driverName())
}

func TestPostgresConformance(t *testing.T) {
	dsn := postgresDSN(t)
	ctx := context.Background()
	store, err := OpenSQL(ctx, DialectPostgres, dsn)
	require.NoError(t, err)
	defer store.Close()
	for _, table := range []string{"flowlog_events", "flowlog_checkpoints", "flowlog_workflows"} {
		_, err := store.db.ExecContext(ctx, "TRUNCATE TABLE "+table)
		require.NoError(t, err)
	}
	runConformance(t, store)
}
