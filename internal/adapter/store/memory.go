package store

import (
	"context"
	"sync"

	"forgeline/internal/domain"
)

// MemoryStore is an in-process domain.StateStore. It stores deep copies so
// callers cannot mutate persisted state.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[domain.ActorKey]*domain.AgentState
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[domain.ActorKey]*domain.AgentState)}
}

// Load implements domain.StateStore.
func (m *MemoryStore) Load(_ context.Context, key domain.ActorKey) (*domain.AgentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return st.Clone(), nil
}

// Save implements domain.StateStore.
func (m *MemoryStore) Save(_ context.Context, key domain.ActorKey, state *domain.AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = state.Clone()
	return nil
}

// Delete implements domain.StateStore.
func (m *MemoryStore) Delete(_ context.Context, key domain.ActorKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

// Count returns the number of persisted actors in namespace.
func (m *MemoryStore) Count(_ context.Context, namespace string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.states {
		if k.Namespace == namespace {
			n++
		}
	}
	return n, nil
}

var _ domain.StateStore = (*MemoryStore)(nil)
