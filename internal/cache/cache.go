// Package cache provides a small tenant-scoped cache for contact snapshots and
// step graphs. Entries are keyed by the entity's version stamp, so a snapshot
// written after a newer mutation is never served. Callers still delete the
// superseded entry at every mutation point.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// Entity kinds stored in the cache
const (
	EntityContact  = "contact"
	EntityWorkflow = "workflow"
)

// Key addresses one cached entity of a tenant
type Key struct {
	TenantID string
	Entity   string
	ID       string
}

func (k Key) String() string {
	return k.TenantID + ":" + k.Entity + ":" + k.ID
}

// VersionedKey addresses the snapshot of id taken at version
func VersionedKey(tenantID, entity, id string, version time.Time) Key {
	return Key{TenantID: tenantID, Entity: entity, ID: id + "@" + strconv.FormatInt(version.UnixNano(), 10)}
}

// Cache is implemented by the bolt and redis backends
type Cache interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Set(ctx context.Context, key Key, value []byte) error
	Delete(ctx context.Context, key Key) error
	Close() error
}

// GetJSON loads and decodes a cached value. A corrupt entry counts as a miss.
func GetJSON(ctx context.Context, c Cache, key Key, v any) (bool, error) {
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, nil
	}
	return true, nil
}

// SetJSON encodes and stores a value
func SetJSON(ctx context.Context, c Cache, key Key, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data)
}

// Nop never stores anything
type Nop struct{}

func (Nop) Get(context.Context, Key) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Set(context.Context, Key, []byte) error         { return nil }
func (Nop) Delete(context.Context, Key) error              { return nil }
func (Nop) Close() error                                   { return nil }

var nowFunc = time.Now
