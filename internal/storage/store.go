// Package storage persists the account manager's opaque session blob
package storage

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrEmptyKey is returned when a store is built without a key
var ErrEmptyKey = errors.New("storage key is required")

// Store persists a single session blob. Read returns nil, nil when nothing
// is stored.
type Store interface {
	// Read returns the stored blob
	Read(ctx context.Context) ([]byte, error)

	// Write replaces the stored blob
	Write(ctx context.Context, data []byte) error

	// Clear removes the stored blob
	Clear(ctx context.Context) error

	// CheckHealth verifies the storage backend is healthy
	CheckHealth(ctx context.Context) error
}

// MemoryStore keeps the blob in process memory
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.data), nil
}

func (s *MemoryStore) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = slices.Clone(data)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}

func (s *MemoryStore) CheckHealth(ctx context.Context) error {
	return nil
}
