package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mschirtzinger/shopsync/internal/schema"
)

// Memory is an in-process Store. It backs `--remote memory` runs and tests,
// and supports fault injection, call counting and blocking of writes.
type Memory struct {
	mu      sync.Mutex
	docs    map[schema.Collection]map[string]schema.Document
	calls   map[string]int
	failAll error
	failOn  map[string]error
	gate    chan struct{}
	entered chan string
	latency time.Duration
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:   make(map[schema.Collection]map[string]schema.Document),
		calls:  make(map[string]int),
		failOn: make(map[string]error),
	}
}

// Fail makes every call, Ping included, return err until Fail(nil).
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// FailPath makes writes to one path return err until FailPath(path, nil).
func (m *Memory) FailPath(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOn, path)
		return
	}
	m.failOn[path] = err
}

// SetLatency delays every subsequent write by d.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Block holds every subsequent write until release is called. Each blocked
// write sends its path on entered first.
func (m *Memory) Block() (entered <-chan string, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	ch := make(chan string, 64)
	m.gate = gate
	m.entered = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gate == gate {
				m.gate = nil
				m.entered = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many times op ("get", "set", "update", "delete",
// "list", "ping") was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Writes returns the total number of Set, Update and Delete calls.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls["set"] + m.calls["update"] + m.calls["delete"]
}

// Seed stores a document directly, bypassing counters and faults.
func (m *Memory) Seed(c schema.Collection, key string, doc schema.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(c)[key] = doc.Clone()
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, path string) (schema.Document, error) {
	c, key, err := schema.SplitPath(path)
	if err != nil {
		return nil, err
	}
	if err := m.begin(ctx, "get", path, false); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[c][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return doc.Clone(), nil
}

// Set implements Store.
func (m *Memory) Set(ctx context.Context, path string, doc schema.Document) error {
	c, key, err := schema.SplitPath(path)
	if err != nil {
		return err
	}
	if err := m.begin(ctx, "set", path, true); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(c)[key] = doc.Clone()
	return nil
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, path string, patch schema.Document) error {
	c, key, err := schema.SplitPath(path)
	if err != nil {
		return err
	}
	if err := m.begin(ctx, "update", path, true); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	merged, err := m.collection(c)[key].Merge(patch)
	if err != nil {
		return err
	}
	m.collection(c)[key] = merged
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, path string) error {
	c, key, err := schema.SplitPath(path)
	if err != nil {
		return err
	}
	if err := m.begin(ctx, "delete", path, true); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collection(c), key)
	return nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context, c schema.Collection) (map[string]schema.Document, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: unknown collection %q", schema.ErrInvalid, c)
	}
	if err := m.begin(ctx, "list", string(c), false); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]schema.Document, len(m.docs[c]))
	for k, doc := range m.docs[c] {
		out[k] = doc.Clone()
	}
	return out, nil
}

// Ping implements Store.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	m.calls["ping"]++
	failAll := m.failAll
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return failAll
}

// begin counts the call, applies faults and, for writes, waits on the gate.
func (m *Memory) begin(ctx context.Context, op, path string, write bool) error {
	m.mu.Lock()
	m.calls[op]++
	failAll := m.failAll
	failPath := m.failOn[path]
	gate, entered := m.gate, m.entered
	latency := m.latency
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if failAll != nil {
		return failAll
	}
	if !write {
		return nil
	}
	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if gate != nil {
		select {
		case entered <- path:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failPath
}

// collection returns the map for c, creating it if needed. Caller holds mu.
func (m *Memory) collection(c schema.Collection) map[string]schema.Document {
	docs, ok := m.docs[c]
	if !ok {
		docs = make(map[string]schema.Document)
		m.docs[c] = docs
	}
	return docs
}
