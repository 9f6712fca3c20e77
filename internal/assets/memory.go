package assets

import (
	"context"
	"sync"

	"posvault/internal/engine"
)

// MemoryStore keeps assets in memory. Safe for concurrent use.
type MemoryStore struct {
	name   string
	mu     sync.RWMutex
	assets map[string][]byte
}

var _ engine.AssetStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store seeded with a copy of initial.
func NewMemoryStore(name string, initial map[string][]byte) *MemoryStore {
	m := &MemoryStore{name: name, assets: make(map[string][]byte)}
	for k, v := range initial {
		m.assets[k] = append([]byte(nil), v...)
	}
	return m
}

func (m *MemoryStore) Name() string { return m.name }

func (m *MemoryStore) ReadAll(context.Context) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.assets))
	for k, v := range m.assets {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *MemoryStore) WriteAll(_ context.Context, assets map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range assets {
		m.assets[k] = append([]byte(nil), v...)
	}
	return nil
}

// Put sets one asset, as the POS would when saving a receipt image.
func (m *MemoryStore) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[key] = append([]byte(nil), data...)
}
