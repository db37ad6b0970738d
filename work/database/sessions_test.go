package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixreplace/work/types"
)

func openStore(t *testing.T) (*DB, *SessionStore) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, NewSessionStore(db)
}

func session(id, channel string, closedAt time.Time, frames int64) types.SessionInfo {
	return types.SessionInfo{
		ID:          id,
		RemoteAddr:  "127.0.0.1:50000",
		Channel:     channel,
		ConnectedAt: closedAt.Add(-time.Minute),
		ClosedAt:    closedAt,
		FramesSent:  frames,
		BytesSent:   frames * 1000,
		CloseReason: "client disconnected",
	}
}

func TestRecordAndListSessions(t *testing.T) {
	_, store := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, store.RecordSession(session("a", "local", now.Add(-2*time.Second), 10)))
	require.NoError(t, store.RecordSession(session("b", "remote", now.Add(-time.Second), 20)))
	require.NoError(t, store.RecordSession(session("c", "local", now, 30)))

	all, err := store.RecentSessions(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.True(t, all[0].ClosedAt.Equal(now))
	assert.Equal(t, int64(30000), all[0].BytesSent)
	assert.Equal(t, "client disconnected", all[0].CloseReason)

	local, err := store.RecentSessions(ctx, "local", 1)
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, "c", local[0].ID)

	totals, err := store.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ChannelTotals{
		{Channel: "local", Sessions: 2, FramesSent: 40, BytesSent: 40000},
		{Channel: "remote", Sessions: 1, FramesSent: 20, BytesSent: 20000},
	}, totals)
}

func TestPruneSessions(t *testing.T) {
	_, store := openStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RecordSession(session("old", "local", now.Add(-48*time.Hour), 1)))
	require.NoError(t, store.RecordSession(session("new", "local", now, 1)))

	n, err := store.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := store.RecentSessions(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].ID)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	db, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, NewSessionStore(db).RecordSession(session("x", "remote", time.Now(), 5)))
	require.NoError(t, db.Close())

	db, err = Open(path, nil)
	require.NoError(t, err)
	defer db.Close()

	var versions int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 1, versions)

	rows, err := NewSessionStore(db).RecentSessions(context.Background(), "remote", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.NoError(t, db.Vacuum())
}
