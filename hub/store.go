package hub

import (
	"sync"
)

// store is a keyed table guarded by one RWMutex. It backs the session table and the
// pending-delivery table; room membership lives in the sharded registry instead.
type store[T any] struct {
	mutex sync.RWMutex
	store map[string]T
}

func newStore[T any]() *store[T] {
	return &store[T]{
		store: make(map[string]T),
	}
}

func (s *store[T]) Create(key string, value T) error {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if _, exists := s.store[key]; exists {
		return conflict(key, "Key already exists")
	}
	s.store[key] = value
	return nil
}

func (s *store[T]) Read(key string) (T, error) {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	var zeroValue T
	value, exists := s.store[key]
	if !exists {
		return zeroValue, notFound(key, "Key does not exist")
	}
	return value, nil
}

func (s *store[T]) Delete(key string) error {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if _, exists := s.store[key]; !exists {
		return notFound(key, "Key does not exist")
	}
	delete(s.store, key)

	return nil
}

func (s *store[T]) Values() []T {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	values := make([]T, 0, len(s.store))

	for _, value := range s.store {
		values = append(values, value)
	}
	return values
}

func (s *store[T]) GetByKeys(keys ...string) []T {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	values := make([]T, 0, len(keys))

	for _, key := range keys {
		if value, exists := s.store[key]; exists {
			values = append(values, value)
		}
	}
	return values
}

func (s *store[T]) Len() int {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return len(s.store)
}
