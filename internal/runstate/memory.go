package runstate

import (
	"context"
	"sync"
)

// MemoryStore keeps the record in process. It backs dry runs of the state
// commands and tests.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore returns a store seeded with initial.
func NewMemoryStore(initial State) *MemoryStore {
	return &MemoryStore{state: initial.Clone()}
}

func (m *MemoryStore) Load(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

func (m *MemoryStore) Has(ctx context.Context, id RunID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Has(id), nil
}

func (m *MemoryStore) Add(ctx context.Context, id RunID, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.insert(id, rec), nil
}
