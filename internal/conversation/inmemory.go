package conversation

import (
	"context"
	"sync"
)

// InMemoryStore keeps snapshots for the life of the process.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string][]byte)}
}

func (s *InMemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *InMemoryStore) Save(_ context.Context, key string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = append([]byte(nil), snapshot...)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
