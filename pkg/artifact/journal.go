package artifact

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketAccess = []byte("access")

// Journal persists coarse last-access times so LRU ordering survives a
// restart even when the backing filesystem is mounted noatime. It is
// advisory: deleting the database only degrades eviction ordering to
// file mtimes.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens or creates the access-time database.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAccess)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init: %w", err)
	}
	return &Journal{db: db}, nil
}

// Touch records the access time for key. Writes are batched so a read
// storm does not turn into a transaction storm.
func (j *Journal) Touch(key string, unixSec int64) error {
	return j.db.Batch(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccess).Put([]byte(key), encodeInt64(unixSec))
	})
}

// Get returns the recorded access time for key.
func (j *Journal) Get(key string) (int64, bool) {
	var value int64
	var found bool
	_ = j.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketAccess).Get([]byte(key)); len(raw) == 8 {
			value = decodeInt64(raw)
			found = true
		}
		return nil
	})
	return value, found
}

// Remove drops the record for key.
func (j *Journal) Remove(key string) error {
	return j.db.Batch(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccess).Delete([]byte(key))
	})
}

// Reset drops every record.
func (j *Journal) Reset() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketAccess); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketAccess)
		return err
	})
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeInt64(raw []byte) int64 {
	return int64(binary.BigEndian.Uint64(raw))
}
