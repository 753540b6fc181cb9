package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfill/gridfill-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_Session_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	created, err := st.CreateSession(ctx, "tg-1", "core", 12)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, created.Status)

	got, err := st.GetSession(ctx, "tg-1")
	require.NoError(t, err)
	assert.Equal(t, "tg-1", got.TaskGroupID)
	assert.Equal(t, "core", got.Processor)
	assert.Equal(t, 12, got.Rows)
	assert.Equal(t, model.SessionActive, got.Status)
}

func TestSQLite_Session_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetSession(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_Session_UpdateStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CreateSession(ctx, "tg-1", "base", 3)
	require.NoError(t, err)

	require.NoError(t, st.UpdateSessionStatus(ctx, "tg-1", model.SessionCompleted))
	got, err := st.GetSession(ctx, "tg-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Status)

	err = st.UpdateSessionStatus(ctx, "missing", model.SessionFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_Session_ListFiltered(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"tg-a", "tg-b", "tg-c"} {
		_, err := st.CreateSession(ctx, id, "base", 1)
		require.NoError(t, err)
	}
	require.NoError(t, st.UpdateSessionStatus(ctx, "tg-b", model.SessionCancelled))

	active, err := st.ListSessions(ctx, SessionFilter{Status: model.SessionActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	all, err := st.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := st.ListSessions(ctx, SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_RecordRun_UpsertAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CreateSession(ctx, "tg-1", "base", 2)
	require.NoError(t, err)

	require.NoError(t, st.RecordRun(ctx, model.RunOutcome{
		TaskGroupID: "tg-1", RunID: "r2", Row: 2, Status: "completed",
	}))
	require.NoError(t, st.RecordRun(ctx, model.RunOutcome{
		TaskGroupID: "tg-1", RunID: "r1", Row: 1, Status: "failed",
	}))
	// Replayed terminal event overwrites rather than duplicating.
	require.NoError(t, st.RecordRun(ctx, model.RunOutcome{
		TaskGroupID: "tg-1", RunID: "r1", Row: 1, Status: "completed",
	}))

	outcomes, err := st.ListRuns(ctx, "tg-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "r1", outcomes[0].RunID)
	assert.Equal(t, "completed", outcomes[0].Status)
	assert.Equal(t, "r2", outcomes[1].RunID)
}
