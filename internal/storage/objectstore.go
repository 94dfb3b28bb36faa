// Package storage adapts remote object storage for the sync engine: a small
// ObjectStore interface with S3 and in-memory implementations, and an
// encrypting layer that keeps every byte leaving the device opaque.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/disnet/flint-note-sync/internal/common"
)

// ObjectStore is the minimal key/value surface the engine needs from a
// bucket. Keys are slash-separated paths; values are opaque blobs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error

	// Get returns ErrNotFound for a key that was never written.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete is idempotent: removing an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MemoryObjectStore is an in-process ObjectStore for tests and offline use.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func (s *MemoryObjectStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryObjectStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
