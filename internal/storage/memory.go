package storage

import (
	"context"
	"fmt"
	"sync"

	"gentrack/internal/domain"
)

// MemoryStore keeps payloads in process memory. It backs the tracker when
// no storage path is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (m *MemoryStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	m.items[cleanKey] = cp
	m.mu.Unlock()
	return cleanKey, nil
}

func (m *MemoryStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleanKey, err := SanitizeKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.items[cleanKey]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: %s: %w", cleanKey, domain.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

var _ Store = (*MemoryStore)(nil)
