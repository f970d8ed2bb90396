// Package queue implements the durable pending-change queue.
//
// The queue is the single source of truth for what must still reach the
// remote store: an entry exists if and only if its write has not been
// confirmed. Entries keep arrival order and are never deduplicated.
//
// Each entry is attempted at most MaxAttempts times. After that it is marked
// failed and skipped by drain passes, but it stays in the queue (and in the
// pending count) until someone retries or clears it explicitly.
package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/shopsync/internal/schema"
	"github.com/mschirtzinger/shopsync/internal/store"
)

// DefaultMaxAttempts is the number of delivery attempts before an entry is
// marked failed.
const DefaultMaxAttempts = 3

// Queue is an ordered, durable list of pending changes.
type Queue struct {
	mu          sync.Mutex
	kv          store.KV
	logger      *zap.Logger
	maxAttempts int
	items       []*schema.PendingChange
}

// New creates an empty queue persisting into kv.
// maxAttempts <= 0 selects DefaultMaxAttempts.
func New(kv store.KV, logger *zap.Logger, maxAttempts int) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		kv:          kv,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// MaxAttempts returns the attempt cap.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// Load restores the queue from durable storage. Absent data loads as empty.
// Unreadable data resets the queue to empty, clears the key and returns an
// error wrapping store.ErrCorrupt. Individually invalid entries are dropped.
func (q *Queue) Load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil

	raw, ok, err := q.kv.Get(store.QueueKey)
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}
	if !ok {
		return nil
	}

	var items []*schema.PendingChange
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.logger.Warn("Clearing corrupt queue", zap.Error(err))
		if delErr := q.kv.Delete(store.QueueKey); delErr != nil {
			q.logger.Error("Failed to clear corrupt queue", zap.Error(delErr))
		}
		return fmt.Errorf("%w: pending queue", store.ErrCorrupt)
	}

	for _, item := range items {
		if item == nil {
			continue
		}
		if err := item.Validate(); err != nil {
			q.logger.Warn("Dropping invalid queued change", zap.String("id", item.ID), zap.Error(err))
			continue
		}
		q.items = append(q.items, item)
	}
	return nil
}

// Append adds a change to the end of the queue without persisting.
func (q *Queue) Append(change *schema.PendingChange) error {
	if err := change.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, change.Clone())
	return nil
}

// Enqueue appends a change and persists the queue. It never touches the
// network.
func (q *Queue) Enqueue(change *schema.PendingChange) error {
	if err := q.Append(change); err != nil {
		return err
	}
	return q.Save()
}

// PeekAll returns a copy of every entry in queue order.
func (q *Queue) PeekAll() []*schema.PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*schema.PendingChange, len(q.items))
	for i, item := range q.items {
		out[i] = item.Clone()
	}
	return out
}

// Get returns a copy of the entry with id.
func (q *Queue) Get(id string) (*schema.PendingChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.index(id); i >= 0 {
		return q.items[i].Clone(), true
	}
	return nil, false
}

// Remove deletes the entry with id after confirmed delivery and persists the
// queue. It reports whether the entry was present.
func (q *Queue) Remove(id string) (bool, error) {
	q.mu.Lock()
	i := q.index(id)
	if i < 0 {
		q.mu.Unlock()
		return false, nil
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	q.mu.Unlock()

	return true, q.Save()
}

// RecordFailure notes a failed delivery attempt on the entry with id. Once
// attempts reach MaxAttempts, or at once when permanent is set, the entry is
// marked failed. The queue is not
// persisted; callers Save after a drain pass. It returns a copy of the
// updated entry, or false if the entry is gone.
func (q *Queue) RecordFailure(id string, cause error, at time.Time, permanent bool) (*schema.PendingChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 {
		return nil, false
	}

	item := q.items[i]
	item.Attempts++
	at = at.UTC()
	item.LastAttemptAt = &at
	if cause != nil {
		item.LastError = cause.Error()
	}
	if permanent || item.Attempts >= q.maxAttempts {
		item.Status = schema.StatusFailed
		q.logger.Warn("Change failed permanently",
			zap.String("id", item.ID),
			zap.String("path", item.Path()),
			zap.Int("attempts", item.Attempts),
			zap.String("error", item.LastError))
	}
	return item.Clone(), true
}

// Retry resets failed entries to pending with zero attempts. With no ids,
// every failed entry is reset. It persists and returns the number reset.
func (q *Queue) Retry(ids ...string) (int, error) {
	q.mu.Lock()
	want := idSet(ids)
	count := 0
	for _, item := range q.items {
		if item.Status != schema.StatusFailed {
			continue
		}
		if want != nil && !want[item.ID] {
			continue
		}
		item.Status = schema.StatusPending
		item.Attempts = 0
		item.LastError = ""
		item.LastAttemptAt = nil
		count++
	}
	q.mu.Unlock()

	if count == 0 {
		return 0, nil
	}
	q.logger.Info("Reset failed changes for retry", zap.Int("count", count))
	return count, q.Save()
}

// Clear removes the entries with the given ids regardless of status and
// persists. It returns the number removed.
func (q *Queue) Clear(ids ...string) (int, error) {
	want := idSet(ids)
	if want == nil {
		return 0, nil
	}
	return q.removeWhere(func(item *schema.PendingChange) bool { return want[item.ID] })
}

// ClearAll removes every entry and persists.
func (q *Queue) ClearAll() (int, error) {
	return q.removeWhere(func(*schema.PendingChange) bool { return true })
}

// ClearFailed removes every failed entry and persists.
func (q *Queue) ClearFailed() (int, error) {
	return q.removeWhere(func(item *schema.PendingChange) bool { return item.Failed() })
}

func (q *Queue) removeWhere(match func(*schema.PendingChange) bool) (int, error) {
	q.mu.Lock()
	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if match(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	q.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	q.logger.Info("Cleared queued changes", zap.Int("count", removed))
	return removed, q.Save()
}

// Pending returns non-failed entries for a collection in queue order.
func (q *Queue) Pending(c schema.Collection) []*schema.PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*schema.PendingChange
	for _, item := range q.items {
		if item.Collection == c && !item.Failed() {
			out = append(out, item.Clone())
		}
	}
	return out
}

// Len returns the number of entries, failed ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// FailedCount returns the number of entries marked failed.
func (q *Queue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, item := range q.items {
		if item.Failed() {
			n++
		}
	}
	return n
}

// Deliverable returns the number of entries a drain pass would attempt.
func (q *Queue) Deliverable() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, item := range q.items {
		if !item.Failed() {
			n++
		}
	}
	return n
}

// Encode returns the storage key and serialized queue, for callers that
// persist it as part of a larger atomic batch.
func (q *Queue) Encode() (string, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	if items == nil {
		items = []*schema.PendingChange{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode queue: %w", err)
	}
	return store.QueueKey, string(data), nil
}

// Save persists the queue.
func (q *Queue) Save() error {
	key, value, err := q.Encode()
	if err != nil {
		return err
	}
	if err := q.kv.Set(key, value); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	return nil
}

// index returns the position of id or -1. Caller holds mu.
func (q *Queue) index(id string) int {
	for i, item := range q.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func idSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
