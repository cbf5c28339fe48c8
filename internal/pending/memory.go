package pending

import (
	"context"
	"sync"
)

// MemoryStore keeps buffers in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key][][]byte)}
}

func (m *MemoryStore) Append(_ context.Context, key Key, entry []byte, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.entries[key], append([]byte(nil), entry...))
	evicted := 0
	if limit > 0 && len(list) > limit {
		evicted = len(list) - limit
		list = append([][]byte(nil), list[evicted:]...)
	}
	m.entries[key] = list
	return evicted, nil
}

func (m *MemoryStore) Entries(_ context.Context, key Key) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.entries[key]...), nil
}

func (m *MemoryStore) Trim(_ context.Context, key Key, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.entries[key]
	if n >= len(list) {
		delete(m.entries, key)
		return nil
	}
	m.entries[key] = append([][]byte(nil), list[n:]...)
	return nil
}
