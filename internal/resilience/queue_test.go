package resilience

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastbreakhq/walletsync/internal/state"
)

func newMemQueue(t *testing.T) *OfflineQueue {
	t.Helper()
	q, err := NewOfflineQueue(nil, testLogger())
	require.NoError(t, err)
	return q
}

func TestQueue_DrainsInPriorityOrder(t *testing.T) {
	q := newMemQueue(t)

	var order []string
	q.RegisterHandler("sync", func(_ context.Context, a Action) error {
		order = append(order, a.ID)
		return nil
	})

	base := time.Now()
	require.NoError(t, q.Enqueue(Action{ID: "low", Type: "sync", Priority: 1, Timestamp: base}))
	require.NoError(t, q.Enqueue(Action{ID: "high", Type: "sync", Priority: 10, Timestamp: base.Add(time.Second)}))
	require.NoError(t, q.Enqueue(Action{ID: "mid-old", Type: "sync", Priority: 5, Timestamp: base}))
	require.NoError(t, q.Enqueue(Action{ID: "mid-new", Type: "sync", Priority: 5, Timestamp: base.Add(time.Second)}))

	q.Process(context.Background())

	assert.Equal(t, []string{"high", "mid-old", "mid-new", "low"}, order)
	assert.Zero(t, q.Len())
}

func TestQueue_FailedActionRequeued(t *testing.T) {
	q := newMemQueue(t)
	q.RegisterHandler("sync", func(context.Context, Action) error {
		return errors.New("still offline")
	})

	require.NoError(t, q.Enqueue(Action{Type: "sync", MaxRetries: 3}))

	q.Process(context.Background())
	assert.Equal(t, 1, q.Len(), "failed action should be re-queued")
}

func TestQueue_DroppedAfterMaxRetries(t *testing.T) {
	q := newMemQueue(t)

	attempts := 0
	q.RegisterHandler("sync", func(context.Context, Action) error {
		attempts++
		return errors.New("boom")
	})

	require.NoError(t, q.Enqueue(Action{Type: "sync", MaxRetries: 3}))

	// Three consecutive failed drains exhaust the action.
	q.Process(context.Background())
	q.Process(context.Background())
	q.Process(context.Background())
	assert.Zero(t, q.Len(), "action should be dropped after exhausting retries")

	// A fourth drain must not attempt it again.
	q.Process(context.Background())
	assert.Equal(t, 3, attempts)
}

func TestQueue_UnknownTypeCountsAsFailure(t *testing.T) {
	q := newMemQueue(t)

	require.NoError(t, q.Enqueue(Action{Type: "mystery", MaxRetries: 2}))

	q.Process(context.Background())
	assert.Equal(t, 1, q.Len())
	q.Process(context.Background())
	assert.Zero(t, q.Len())
}

func TestQueue_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	db, err := state.Open(path)
	require.NoError(t, err)

	q, err := NewOfflineQueue(db, testLogger())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(Action{Type: "sync", Priority: 2}))
	require.NoError(t, db.Close())

	db, err = state.Open(path)
	require.NoError(t, err)
	defer db.Close()

	reloaded, err := NewOfflineQueue(db, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Len())

	// Draining successfully clears the persisted copy too.
	reloaded.RegisterHandler("sync", func(context.Context, Action) error { return nil })
	reloaded.Process(context.Background())

	count, err := db.Count(state.QueueBucket)
	require.NoError(t, err)
	assert.Zero(t, count)
}
