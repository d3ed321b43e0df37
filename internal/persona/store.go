package persona

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned by [Store.Load] for users without a record.
	ErrNotFound = errors.New("persona: not found")

	// ErrVersionConflict is returned when a write loses a compare-and-swap
	// race, or when Insert finds an existing record.
	ErrVersionConflict = errors.New("persona: version conflict")
)

// Store persists persona records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Load returns the record for userID or ErrNotFound.
	Load(ctx context.Context, userID string) (State, error)

	// Insert creates s. It returns ErrVersionConflict if a record exists.
	Insert(ctx context.Context, s State) error

	// Update replaces the record only if its stored version equals
	// expected, and returns ErrVersionConflict otherwise.
	Update(ctx context.Context, s State, expected int64) error
}

// MemoryStore is an in-process [Store] for tests and single-node
// development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]State
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]State)}
}

// Load implements [Store].
func (m *MemoryStore) Load(_ context.Context, userID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[userID]
	if !ok {
		return State{}, ErrNotFound
	}
	return s.Clone(), nil
}

// Insert implements [Store].
func (m *MemoryStore) Insert(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[s.UserID]; ok {
		return ErrVersionConflict
	}
	m.records[s.UserID] = s.Clone()
	return nil
}

// Update implements [Store].
func (m *MemoryStore) Update(_ context.Context, s State, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[s.UserID]
	if !ok || cur.Version != expected {
		return ErrVersionConflict
	}
	m.records[s.UserID] = s.Clone()
	return nil
}
