package optimistic

import "sync"

// MapState is a State backed by a map, safe for concurrent use.
type MapState[T any] struct {
	mu sync.RWMutex
	m  map[string]T
}

// NewMapState creates an empty MapState.
func NewMapState[T any]() *MapState[T] {
	return &MapState[T]{m: map[string]T{}}
}

func (s *MapState[T]) Get(key string) T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[key]
}

func (s *MapState[T]) Set(key string, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = v
}

// Delete forgets key.
func (s *MapState[T]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}
