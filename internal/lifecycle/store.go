package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process StrategyStore.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Strategy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Strategy)}
}

func (m *MemoryStore) SaveStrategy(_ context.Context, s *Strategy) error {
	m.mu.Lock()
	m.rows[s.ID] = s.Clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetStrategy(_ context.Context, id string) (*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

// ListStrategies returns matches ordered by creation time, then ID.
func (m *MemoryStore) ListStrategies(_ context.Context, f Filter) ([]*Strategy, error) {
	m.mu.RLock()
	out := make([]*Strategy, 0, len(m.rows))
	for _, s := range m.rows {
		if f.Match(s) {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
