package flowstate

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps flow identifiers in process memory
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]time.Time
	now    func() time.Time
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]time.Time),
		now:    time.Now,
	}
}

// SaveState records a flow identifier until expiresIn elapses
func (s *MemoryStore) SaveState(ctx context.Context, id string, expiresIn time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.states {
		if now.After(exp) {
			delete(s.states, k)
		}
	}
	s.states[id] = now.Add(expiresIn)
	return nil
}

// ConsumeState removes a live flow identifier
func (s *MemoryStore) ConsumeState(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.states[id]
	if !ok {
		return ErrInvalidState
	}
	delete(s.states, id)
	if s.now().After(exp) {
		return ErrStateExpired
	}
	return nil
}

// CheckHealth always succeeds
func (s *MemoryStore) CheckHealth(ctx context.Context) error {
	return nil
}
