package blacklist

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory blacklist for demo/development mode.
type MemoryStore struct {
	entries map[string][]*Entry // lowercased wallet -> entries, newest last
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory blacklist store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]*Entry)}
}

func (m *MemoryStore) Upsert(ctx context.Context, e *Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(e.Wallet)
	for _, existing := range m.entries[key] {
		if existing.Active {
			return false, nil
		}
	}

	cp := *e
	m.entries[key] = append(m.entries[key], &cp)
	return true, nil
}

func (m *MemoryStore) GetActive(ctx context.Context, wallet string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries[strings.ToLower(wallet)] {
		if e.Active {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (m *MemoryStore) Deactivate(ctx context.Context, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries[strings.ToLower(wallet)] {
		if e.Active {
			e.Active = false
			e.DeactivatedAt = time.Now()
			return nil
		}
	}
	return ErrEntryNotFound
}

func (m *MemoryStore) List(ctx context.Context, activeOnly bool, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, list := range m.entries {
		for _, e := range list {
			if activeOnly && !e.Active {
				continue
			}
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountActive(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, list := range m.entries {
		for _, e := range list {
			if e.Active {
				count++
			}
		}
	}
	return count, nil
}
