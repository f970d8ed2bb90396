package store

import "sync"

// Memory is a KV kept in process memory. It is used for ephemeral runs and
// tests; nothing survives the process.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]string
	failOn error
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// FailWrites makes every subsequent Set, SetMany and Delete return err.
// Passing nil restores normal behaviour.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn = err
}

// Get implements KV.
func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements KV.
func (m *Memory) Set(key, value string) error {
	return m.SetMany(map[string]string{key: value})
}

// SetMany implements KV.
func (m *Memory) SetMany(entries map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil {
		return m.failOn
	}
	for k, v := range entries {
		m.data[k] = v
	}
	return nil
}

// Delete implements KV.
func (m *Memory) Delete(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil {
		return m.failOn
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}
