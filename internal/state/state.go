// Package state wraps a bbolt database providing the generic key-value
// persistence the engine builds on: encrypted profile envelopes, the
// audit log, and the offline action queue all live here. Any backend
// with get/set/delete/enumerate-by-prefix would do; bbolt keeps the
// daemon dependency-free of external services.
package state

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	// It holds encrypted profile data and the audit trail, so it must
	// not be group or world readable.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt file lock.
	stateOpenTimeout = 5 * time.Second
)

// Buckets created at open. Storage holds encryption envelopes keyed by
// derived storage keys, Audit holds append-only audit events keyed by
// timestamp+id, Queue holds persisted offline actions.
var (
	StorageBucket = []byte("storage")
	AuditBucket   = []byte("audit")
	QueueBucket   = []byte("offline_queue")
)

// DB is a thin bucket-oriented wrapper over bbolt.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if needed) the state database at path and ensures
// all engine buckets exist.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{StorageBucket, AuditBucket, QueueBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Put stores value under key in the given bucket.
func (d *DB) Put(bucket []byte, key string, value []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), value)
	})
}

// Get returns the value for key, or nil if absent.
func (d *DB) Get(bucket []byte, key string) ([]byte, error) {
	var out []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Delete removes key from the bucket. Deleting an absent key is a no-op.
func (d *DB) Delete(bucket []byte, key string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// ForEachPrefix visits every entry whose key starts with prefix, in key
// order. The value slice is only valid for the duration of fn.
func (d *DB) ForEachPrefix(bucket []byte, prefix string, fn func(key string, value []byte) error) error {
	p := []byte(prefix)
	return d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeletePrefix removes every entry whose key starts with prefix and
// returns the number removed.
func (d *DB) DeletePrefix(bucket []byte, prefix string) (int, error) {
	p := []byte(prefix)
	count := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Count returns the number of entries in the bucket.
func (d *DB) Count(bucket []byte) (int, error) {
	count := 0
	err := d.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucket).Stats().KeyN
		return nil
	})
	return count, err
}
