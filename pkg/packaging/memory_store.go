package packaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/MacroAcon/Tavren-sub000/pkg/store"
)

// MemoryStore is an in-process Store for tests and development servers.
type MemoryStore struct {
	mu       sync.Mutex
	packages map[string]*Package
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{packages: make(map[string]*Package)}
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, p *Package) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := *p
	m.packages[p.ID] = &saved
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Package, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packages[id]
	if !ok {
		return nil, fmt.Errorf("%w: package %s", store.ErrNotFound, id)
	}
	out := *p
	return &out, nil
}
