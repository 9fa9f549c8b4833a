package artifact

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tts-studio/internal/models"
)

// MemStorage keeps blobs in a map. Tests use it in place of disk or S3.
type MemStorage struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemStorage() *MemStorage {
	return &MemStorage{blobs: make(map[string][]byte)}
}

func (m *MemStorage) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(body))
	copy(stored, body)
	m.blobs[key] = stored
	return key, nil
}

func (m *MemStorage) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[sanitizeKey(key)]
	if !ok {
		return nil, fmt.Errorf("audio %s: %w", key, models.ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, sanitizeKey(key))
	return nil
}

func (m *MemStorage) DeletePrefix(_ context.Context, prefix string) error {
	prefix = sanitizeKey(prefix) + "/"
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.blobs {
		if strings.HasPrefix(key, prefix) {
			delete(m.blobs, key)
		}
	}
	return nil
}

func (m *MemStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

var _ Storage = (*MemStorage)(nil)
