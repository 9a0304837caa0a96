package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolrun/internal/domain"
)

func newTestLedger(t *testing.T, sessionID string) (*SQLiteTaskLedger, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	ledger, err := NewSQLiteTaskLedger(dbPath, sessionID)
	if err != nil {
		t.Fatalf("NewSQLiteTaskLedger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	return ledger, dbPath
}

func TestSQLiteTaskLedger_Lifecycle(t *testing.T) {
	ledger, _ := newTestLedger(t, "sess-1")
	ctx := context.Background()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, ledger.RecordStart(domain.TaskRecord{
		ID:         "bg_1",
		Command:    "sleep 10",
		Cwd:        "/work",
		OutputFile: "/tmp/bg_1.log",
		StartedAt:  started,
	}))

	got, err := ledger.Get(ctx, "bg_1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID, "session defaults to the ledger's")
	assert.Equal(t, domain.ProcessStatusRunning, got.Status)
	assert.Equal(t, "/work", got.Cwd)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Nil(t, got.ExitCode)
	assert.Nil(t, got.EndedAt)

	code := 2
	ended := started.Add(3 * time.Second)
	require.NoError(t, ledger.RecordEnd("bg_1", domain.ProcessStatusFailed, &code, ended))

	got, err = ledger.Get(ctx, "bg_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessStatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 2, *got.ExitCode)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(ended))
}

func TestSQLiteTaskLedger_NotFound(t *testing.T) {
	ledger, _ := newTestLedger(t, "s")

	_, err := ledger.Get(context.Background(), "missing")
	assert.Equal(t, domain.CodeProcessNotFound, domain.ErrorCodeOf(err))

	err = ledger.RecordEnd("missing", domain.ProcessStatusKilled, nil, time.Now())
	assert.Equal(t, domain.CodeProcessNotFound, domain.ErrorCodeOf(err))
}

func TestSQLiteTaskLedger_ListBySession(t *testing.T) {
	ledger, _ := newTestLedger(t, "a")
	base := time.Now().UTC()
	for i, rec := range []domain.TaskRecord{
		{ID: "bg_2", SessionID: "a", Command: "two"},
		{ID: "bg_1", SessionID: "a", Command: "one"},
		{ID: "bg_3", SessionID: "b", Command: "three"},
	} {
		rec.StartedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, ledger.RecordStart(rec))
	}

	recs, err := ledger.List(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "bg_2", recs[0].ID)
	assert.Equal(t, "bg_1", recs[1].ID)

	all, err := ledger.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLiteTaskLedger_MarkOrphaned(t *testing.T) {
	ledger, _ := newTestLedger(t, "current")
	now := time.Now().UTC()
	require.NoError(t, ledger.RecordStart(domain.TaskRecord{ID: "old", SessionID: "previous", Command: "x", StartedAt: now}))
	require.NoError(t, ledger.RecordStart(domain.TaskRecord{ID: "live", Command: "y", StartedAt: now}))

	n, err := ledger.MarkOrphaned(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, err := ledger.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessStatusFailed, old.Status)
	live, err := ledger.Get(context.Background(), "live")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessStatusRunning, live.Status)
}

func TestSQLiteTaskLedger_Reopen(t *testing.T) {
	ledger, dbPath := newTestLedger(t, "s")
	require.NoError(t, ledger.RecordStart(domain.TaskRecord{ID: "bg_1", Command: "true", StartedAt: time.Now()}))
	require.NoError(t, ledger.Close())

	reopened, err := NewSQLiteTaskLedger(dbPath, "s")
	require.NoError(t, err)
	defer reopened.Close()
	recs, err := reopened.List(context.Background(), "s")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSQLiteTaskLedger_ClosedWriteFails(t *testing.T) {
	ledger, _ := newTestLedger(t, "s")
	require.NoError(t, ledger.Close())
	err := ledger.RecordStart(domain.TaskRecord{ID: "x", Command: "c", StartedAt: time.Now()})
	assert.Equal(t, domain.CodeLedgerWrite, domain.ErrorCodeOf(err))
}
