// Package status fans sync status events out to any number of subscribers.
package status

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies a status event.
type Kind string

const (
	KindOnline  Kind = "online"
	KindOffline Kind = "offline"
	KindSyncing Kind = "syncing"
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindReady   Kind = "ready"
)

// Event is one status notification.
type Event struct {
	Kind           Kind      `json:"kind"`
	PendingChanges int       `json:"pending_changes"`
	Online         bool      `json:"online"`
	Time           time.Time `json:"time"`
	Error          string    `json:"error,omitempty"`
}

// Broadcaster delivers events to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// NewBroadcaster returns a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer (minimum 1).
// The returned func unsubscribes and closes the channel; it is safe to call
// more than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish sends ev to every subscriber. A zero Time is set to now.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone. Later Subscribe calls get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
