package engine

import (
	"context"
	"sync"

	"github.com/entitygraph/datamart/internal/types"
)

// Mock is an in-memory engine for tests. Set installs the resolved
// state returned for an entity id; Remove makes subsequent GetEntity
// calls report the entity as gone.
type Mock struct {
	mu       sync.RWMutex
	entities map[int64]*types.ResolvedEntity
	calls    map[int64]int
	// FailNext, when non-nil, is returned once by the next GetEntity
	// call and then cleared. Used to exercise retry/poison paths.
	FailNext error
}

var _ Client = (*Mock)(nil)

// NewMock creates an empty mock engine.
func NewMock() *Mock {
	return &Mock{
		entities: make(map[int64]*types.ResolvedEntity),
		calls:    make(map[int64]int),
	}
}

// Set installs or replaces the resolved state for an entity.
func (m *Mock) Set(e *types.ResolvedEntity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Sort()
	m.entities[e.ID] = e
}

// Remove deletes an entity from the mock engine.
func (m *Mock) Remove(entityID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, entityID)
}

// GetEntity implements Client.
func (m *Mock) GetEntity(_ context.Context, entityID int64) (*types.ResolvedEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailNext; err != nil {
		m.FailNext = nil
		return nil, err
	}
	m.calls[entityID]++
	e, ok := m.entities[entityID]
	if !ok {
		return nil, ErrEntityNotFound
	}
	// Return a copy so callers cannot mutate the installed state.
	cp := *e
	cp.Records = append([]types.Record(nil), e.Records...)
	cp.Related = append([]types.RelatedEntity(nil), e.Related...)
	return &cp, nil
}

// Ping implements Client.
func (m *Mock) Ping(context.Context) error { return nil }

// Calls reports how many times GetEntity was invoked for an id.
func (m *Mock) Calls(entityID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[entityID]
}
