package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// BoltCache stores entries in a local BoltDB file. Each value is prefixed
// with its expiry as unix nanoseconds.
type BoltCache struct {
	db  *bolt.DB
	ttl time.Duration
}

// NewBoltCache opens or creates the cache file
func NewBoltCache(path string, ttl time.Duration) (*BoltCache, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}

	return &BoltCache{db: db, ttl: ttl}, nil
}

func (c *BoltCache) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	var value []byte
	expired := false

	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key.String()))
		if len(raw) < 8 {
			return nil
		}
		expiresAt := int64(binary.BigEndian.Uint64(raw[:8]))
		if expiresAt > 0 && nowFunc().UnixNano() >= expiresAt {
			expired = true
			return nil
		}
		// bolt memory is only valid inside the transaction
		value = append([]byte(nil), raw[8:]...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if expired {
		if err := c.Delete(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return value, value != nil, nil
}

func (c *BoltCache) Set(ctx context.Context, key Key, value []byte) error {
	var expiresAt int64
	if c.ttl > 0 {
		expiresAt = nowFunc().Add(c.ttl).UnixNano()
	}

	raw := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(raw[:8], uint64(expiresAt))
	copy(raw[8:], value)

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key.String()), raw)
	})
}

func (c *BoltCache) Delete(ctx context.Context, key Key) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key.String()))
	})
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}
