package store

import (
	"context"
	"sync"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	ledger *ledger
	closed bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledger: newLedger()}
}

func (s *MemoryStore) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// SaveMessage inserts rec unless its ID is already stored.
func (s *MemoryStore) SaveMessage(ctx context.Context, rec MessageRecord) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.ledger.addMessage(rec)
	return nil
}

// Messages returns all records, most recently received first.
func (s *MemoryStore) Messages(ctx context.Context) ([]MessageRecord, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.ledger.messagesNewestFirst(), nil
}

// MessageCount returns the number of stored records.
func (s *MemoryStore) MessageCount(ctx context.Context) (int, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return len(s.ledger.messages), nil
}

// LogViolation appends a violation event.
func (s *MemoryStore) LogViolation(ctx context.Context, kind, details string) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.ledger.addViolation(s.ledger.newViolation(kind, details))
	return nil
}

// Violations returns all events, newest first.
func (s *MemoryStore) Violations(ctx context.Context) ([]ViolationRecord, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.ledger.violationsNewestFirst(), nil
}

// ViolationCount returns the number of logged events.
func (s *MemoryStore) ViolationCount(ctx context.Context) (int, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return len(s.ledger.violations), nil
}

// ClearSession removes every message and violation.
func (s *MemoryStore) ClearSession(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.ledger.reset()
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
