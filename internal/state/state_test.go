package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Put(StorageBucket, "k1", []byte("v1")))

	v, err := db.Get(StorageBucket, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, db.Delete(StorageBucket, "k1"))
	v, err = db.Get(StorageBucket, "k1")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestGet_AbsentKeyReturnsNil(t *testing.T) {
	db := openTestDB(t)

	v, err := db.Get(AuditBucket, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestForEachPrefix(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put(StorageBucket, "sync_profile_user_u1_main", []byte("a")))
	require.NoError(t, db.Put(StorageBucket, "sync_profile_user_u1_alt", []byte("b")))
	require.NoError(t, db.Put(StorageBucket, "sync_profile_user_u2_main", []byte("c")))

	var keys []string
	err := db.ForEachPrefix(StorageBucket, "sync_profile_user_u1_", func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sync_profile_user_u1_main", "sync_profile_user_u1_alt"}, keys)
}

func TestDeletePrefix(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put(StorageBucket, "sync_nft_user_u1_a", []byte("a")))
	require.NoError(t, db.Put(StorageBucket, "sync_nft_user_u1_b", []byte("b")))
	require.NoError(t, db.Put(StorageBucket, "sync_nft_user_u2_a", []byte("c")))

	removed, err := db.DeletePrefix(StorageBucket, "sync_nft_user_u1_")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := db.Count(StorageBucket)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Put(QueueBucket, "action-1", []byte("payload")))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	v, err := db.Get(QueueBucket, "action-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), v)
}
