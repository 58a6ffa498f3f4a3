package ipcheck

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory risk signal cache for demo/development mode.
type MemoryStore struct {
	signals map[string]*Signal
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory risk signal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{signals: make(map[string]*Signal)}
}

func (m *MemoryStore) Get(ctx context.Context, identifier string) (*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.signals[identifier]
	if !ok {
		return nil, ErrSignalNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, s *Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.signals[s.Identifier] = &cp
	return nil
}

func (m *MemoryStore) ListSuspicious(ctx context.Context, limit int) ([]*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Signal
	for _, s := range m.signals {
		if s.Tier == TierHigh || s.Tier == TierBlocked {
			cp := *s
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]int{"total": len(m.signals)}
	for _, s := range m.signals {
		stats[string(s.Tier)]++
	}
	return stats, nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	for id, s := range m.signals {
		if s.CheckedAt.Before(olderThan) {
			delete(m.signals, id)
			removed++
		}
	}
	return removed, nil
}
