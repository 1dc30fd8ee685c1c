package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	entry   *Entry
	expires time.Time
}

// MemoryStore keeps entries in a process-local map.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

// Save stores a copy of e until ttl elapses.
func (m *MemoryStore) Save(_ context.Context, key string, e *Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryItem{entry: e.Clone(), expires: m.now().Add(ttl)}
	return nil
}

// Load returns a copy of the entry stored under key.
func (m *MemoryStore) Load(_ context.Context, key string) (*Entry, error) {
	now := m.now()

	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !now.Before(it.expires) {
		m.mu.Lock()
		if cur, ok := m.items[key]; ok && !now.Before(cur.expires) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return it.entry.Clone(), nil
}

// Sweep drops expired entries and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, it := range m.items {
		if !now.Before(it.expires) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
