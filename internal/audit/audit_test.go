package audit

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastbreakhq/walletsync/internal/state"
)

func newTestLogger(t *testing.T, cfg Config) *Logger {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l := NewLogger(db, cfg, slog.New(slog.DiscardHandler))
	t.Cleanup(l.Stop)
	return l
}

func TestLogSyncOperation_AndQuery(t *testing.T) {
	l := newTestLogger(t, Config{})

	require.NoError(t, l.LogSyncOperation("u1", "s1", "syncWalletToProfile", "profile",
		ActionUpdate, ResultSuccess, map[string]string{"moments": "42"}, 120*time.Millisecond))
	require.NoError(t, l.LogSyncOperation("u2", "s2", "syncNFTCollection", "nft",
		ActionRead, ResultFailure, nil, 80*time.Millisecond))

	events, err := l.Query(Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "syncWalletToProfile", e.Operation)
	assert.Equal(t, ActionUpdate, e.Action)
	assert.Equal(t, ResultSuccess, e.Result)
	assert.Equal(t, int64(120), e.DurationMS)
	assert.Equal(t, "42", e.Metadata["moments"])
}

func TestQuery_ByOperationAndTimeRange(t *testing.T) {
	l := newTestLogger(t, Config{})
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	l.now = func() time.Time { return base }
	require.NoError(t, l.LogSyncOperation("u1", "s1", "syncProfileStats", "stats", ActionRead, ResultSuccess, nil, 0))

	l.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, l.LogSyncOperation("u1", "s1", "syncProfileStats", "stats", ActionRead, ResultSuccess, nil, 0))

	events, err := l.Query(Filter{Operation: "syncProfileStats", From: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestQuery_PreservesAppendOrder(t *testing.T) {
	l := newTestLogger(t, Config{})
	for _, op := range []string{"first", "second", "third"} {
		require.NoError(t, l.LogSyncOperation("u1", "s1", op, "r", ActionRead, ResultSuccess, nil, 0))
	}

	events, err := l.Query(Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "first", events[0].Operation)
	assert.Equal(t, "second", events[1].Operation)
	assert.Equal(t, "third", events[2].Operation)
}

func TestLogWalletConnection_HashesAddress(t *testing.T) {
	l := newTestLogger(t, Config{HashSensitiveData: true})

	require.NoError(t, l.LogWalletConnection("u1", "s1", "0xabc123", "connect", ResultSuccess))

	events, err := l.Query(Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "wallet_connect", events[0].Operation)
	got := events[0].Metadata["walletAddress"]
	assert.NotEqual(t, "0xabc123", got, "address must not be stored in plaintext")
	assert.Len(t, got, 16, "expect truncated hex digest")
}

func TestLogWalletConnection_PlaintextWhenHashingOff(t *testing.T) {
	l := newTestLogger(t, Config{HashSensitiveData: false})

	require.NoError(t, l.LogWalletConnection("u1", "s1", "0xabc123", "disconnect", ResultSuccess))

	events, err := l.Query(Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", events[0].Metadata["walletAddress"])
}

func TestStatistics(t *testing.T) {
	l := newTestLogger(t, Config{})

	require.NoError(t, l.LogSyncOperation("u1", "s1", "op", "r", ActionRead, ResultSuccess, nil, 100*time.Millisecond))
	require.NoError(t, l.LogSyncOperation("u1", "s1", "op", "r", ActionRead, ResultSuccess, nil, 200*time.Millisecond))
	require.NoError(t, l.LogSyncOperation("u1", "s1", "op", "r", ActionRead, ResultFailure, nil, 300*time.Millisecond))

	stats, err := l.Statistics(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 2, stats.EventsByResult[ResultSuccess])
	assert.Equal(t, 1, stats.EventsByResult[ResultFailure])
	assert.InDelta(t, 200.0, stats.AverageDuration, 0.01)
	assert.InDelta(t, 1.0/3.0, stats.ErrorRate, 0.01)
}

func TestStatistics_Empty(t *testing.T) {
	l := newTestLogger(t, Config{})

	stats, err := l.Statistics(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEvents)
	assert.Zero(t, stats.ErrorRate)
}

func TestExport_JSONAndCSV(t *testing.T) {
	l := newTestLogger(t, Config{})
	require.NoError(t, l.LogSyncOperation("u1", "s1", "syncWalletToProfile", "profile", ActionUpdate, ResultSuccess, nil, 50*time.Millisecond))

	jsonOut, err := l.Export("u1", "json")
	require.NoError(t, err)
	assert.Contains(t, jsonOut, `"syncWalletToProfile"`)

	csvOut, err := l.Export("u1", "csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(csvOut), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "id,timestamp,"))
	assert.Contains(t, lines[1], "syncWalletToProfile")

	_, err = l.Export("u1", "xml")
	assert.Error(t, err)
}

func TestDeleteUserData(t *testing.T) {
	l := newTestLogger(t, Config{})
	require.NoError(t, l.LogSyncOperation("u1", "s1", "op", "r", ActionRead, ResultSuccess, nil, 0))
	require.NoError(t, l.LogSyncOperation("u1", "s1", "op", "r", ActionRead, ResultSuccess, nil, 0))
	require.NoError(t, l.LogSyncOperation("u2", "s2", "op", "r", ActionRead, ResultSuccess, nil, 0))

	count, err := l.DeleteUserData("u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	remaining, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "u2", remaining[0].UserID)
}

func TestRetention_QueriesExcludeAndSweepPurges(t *testing.T) {
	l := newTestLogger(t, Config{RetentionDays: 30})
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	l.now = func() time.Time { return base.AddDate(0, 0, -40) }
	require.NoError(t, l.LogSyncOperation("u1", "s1", "old", "r", ActionRead, ResultSuccess, nil, 0))

	l.now = func() time.Time { return base }
	require.NoError(t, l.LogSyncOperation("u1", "s1", "new", "r", ActionRead, ResultSuccess, nil, 0))

	events, err := l.Query(Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, events, 1, "expired events must never be returned")
	assert.Equal(t, "new", events[0].Operation)

	purged, err := l.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}
