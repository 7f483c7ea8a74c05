package store

import (
	"context"
	"sync"

	"github.com/ashureev/scan-gate/internal/domain"
)

// MemoryStore is a thread-safe in-memory GrantStore.
// Grants are lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	records []domain.GrantRecord
	saves   int
	closed  bool

	// FailSave, when set, is returned from every Save call.
	FailSave error
}

var _ GrantStore = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory store, optionally seeded with records.
func NewMemory(seed ...domain.GrantRecord) *MemoryStore {
	return &MemoryStore{records: append([]domain.GrantRecord(nil), seed...)}
}

func (s *MemoryStore) Load(_ context.Context) ([]domain.GrantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]domain.GrantRecord(nil), s.records...), nil
}

func (s *MemoryStore) Save(_ context.Context, records []domain.GrantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.FailSave != nil {
		return s.FailSave
	}
	s.records = append([]domain.GrantRecord(nil), records...)
	s.saves++
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Saves returns how many successful Save calls were made.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
