package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]json.RawMessage
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]json.RawMessage)}
}

func (m *MemoryStorage) Init(context.Context) error { return nil }

func (m *MemoryStorage) Keys(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStorage) GetItem(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *MemoryStorage) SetItem(_ context.Context, key string, value json.RawMessage) error {
	m.mu.Lock()
	m.items[key] = clone(value)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Clear(context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]json.RawMessage)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Close() error { return nil }
