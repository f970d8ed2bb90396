// Package snapshot holds the process-wide local mirror of every collection.
//
// Reads are served from memory and never block on I/O or the network. Writes
// apply to memory first and are then persisted per collection, so a document
// written in this process is immediately readable and survives a restart.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mschirtzinger/shopsync/internal/schema"
	"github.com/mschirtzinger/shopsync/internal/store"
)

// Snapshot is the in-memory mirror of the three collections.
type Snapshot struct {
	mu     sync.RWMutex
	kv     store.KV
	logger *zap.Logger
	data   map[schema.Collection]map[string]schema.Document
}

// New creates an empty snapshot persisting into kv.
// Call Load to restore previously persisted state.
func New(kv store.KV, logger *zap.Logger) *Snapshot {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Snapshot{
		kv:     kv,
		logger: logger,
		data:   make(map[schema.Collection]map[string]schema.Document),
	}
	for _, c := range schema.Collections {
		s.data[c] = make(map[string]schema.Document)
	}
	return s
}

// Load restores every collection from durable storage.
//
// Missing collections load as empty. A collection whose stored value is
// unreadable is reset to empty and its key is cleared; the returned error
// wraps store.ErrCorrupt for each such collection but the snapshot is usable.
func (s *Snapshot) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, c := range schema.Collections {
		docs, err := s.loadCollection(c)
		if err != nil {
			errs = append(errs, err)
			docs = make(map[string]schema.Document)
		}
		s.data[c] = docs
	}
	return errors.Join(errs...)
}

func (s *Snapshot) loadCollection(c schema.Collection) (map[string]schema.Document, error) {
	key := store.SnapshotKey(c)

	raw, ok, err := s.kv.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s snapshot: %w", c, err)
	}
	if !ok {
		return make(map[string]schema.Document), nil
	}

	var docs map[string]schema.Document
	if err := json.Unmarshal([]byte(raw), &docs); err != nil || docs == nil {
		s.logger.Warn("Clearing corrupt snapshot", zap.String("collection", string(c)), zap.Error(err))
		if delErr := s.kv.Delete(key); delErr != nil {
			s.logger.Error("Failed to clear corrupt snapshot", zap.String("collection", string(c)), zap.Error(delErr))
		}
		return nil, fmt.Errorf("%w: %s snapshot", store.ErrCorrupt, c)
	}

	for k, doc := range docs {
		if doc.IsNull() {
			delete(docs, k)
		}
	}
	return docs, nil
}

// Put applies doc to memory without persisting.
func (s *Snapshot) Put(c schema.Collection, key string, doc schema.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collection(c)[key] = doc.Clone()
}

// Remove deletes a document from memory without persisting.
func (s *Snapshot) Remove(c schema.Collection, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collection(c), key)
}

// Replace structurally replaces a collection with docs, in memory only.
// Documents absent from docs disappear.
func (s *Snapshot) Replace(c schema.Collection, docs map[string]schema.Document) {
	next := make(map[string]schema.Document, len(docs))
	for k, doc := range docs {
		if doc.IsNull() {
			continue
		}
		next[k] = doc.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[c] = next
}

// Read returns a copy of one document.
func (s *Snapshot) Read(c schema.Collection, key string) (schema.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.data[c][key]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// List returns a copy of every document in a collection.
func (s *Snapshot) List(c schema.Collection) map[string]schema.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]schema.Document, len(s.data[c]))
	for k, doc := range s.data[c] {
		out[k] = doc.Clone()
	}
	return out
}

// Keys returns the sorted document keys of a collection.
func (s *Snapshot) Keys(c schema.Collection) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data[c]))
	for k := range s.data[c] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of documents in a collection.
func (s *Snapshot) Len(c schema.Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[c])
}

// Encode returns the storage key and serialized value of a collection, for
// callers that persist it as part of a larger atomic batch.
func (s *Snapshot) Encode(c schema.Collection) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := json.Marshal(s.data[c])
	if err != nil {
		return "", "", fmt.Errorf("failed to encode %s snapshot: %w", c, err)
	}
	return store.SnapshotKey(c), string(data), nil
}

// Save persists one collection.
func (s *Snapshot) Save(c schema.Collection) error {
	key, value, err := s.Encode(c)
	if err != nil {
		return err
	}
	if err := s.kv.Set(key, value); err != nil {
		return fmt.Errorf("failed to persist %s snapshot: %w", c, err)
	}
	return nil
}

// collection returns the map for c, creating it if needed. Caller holds mu.
func (s *Snapshot) collection(c schema.Collection) map[string]schema.Document {
	m, ok := s.data[c]
	if !ok {
		m = make(map[string]schema.Document)
		s.data[c] = m
	}
	return m
}
