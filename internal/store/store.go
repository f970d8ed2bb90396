// Package store provides the durable local key/value storage the sync engine
// persists its snapshot and pending-change queue into.
//
// Storage is synchronous on purpose: a write returns only once the value is
// durable, which is what gives the engine read-your-writes across restarts.
// Values are opaque strings (JSON produced by the snapshot and queue).
//
// Logical keys:
//   - snapshot/{collection}  one JSON object per collection, key -> document
//   - queue/pending          JSON array of pending changes in arrival order
//   - sync/last_sync_at      RFC 3339 timestamp of the last clean sync
package store

import (
	"errors"

	"github.com/mschirtzinger/shopsync/internal/schema"
)

// Well-known keys.
const (
	QueueKey      = "queue/pending"
	LastSyncAtKey = "sync/last_sync_at"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrCorrupt is returned when a stored value cannot be decoded. Callers
	// reset the affected state to empty and clear the key.
	ErrCorrupt = errors.New("stored data is corrupt")
)

// KV is a synchronous key -> string store.
type KV interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(key, value string) error

	// SetMany stores all entries atomically: either every entry is durable
	// or none is.
	SetMany(entries map[string]string) error

	// Delete removes keys. Missing keys are ignored.
	Delete(keys ...string) error
}

// SnapshotKey returns the storage key for a collection's snapshot.
func SnapshotKey(c schema.Collection) string {
	return "snapshot/" + string(c)
}
