package velocity

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory event log for demo/development mode. Events
// are held per identifier in insertion order, which is also time order.
type MemoryStore struct {
	events map[string][]*Event // identifier -> events
	nextID int64
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory velocity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]*Event)}
}

func (m *MemoryStore) Insert(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	cp := *e
	cp.ID = m.nextID
	m.events[e.Identifier] = append(m.events[e.Identifier], &cp)
	return nil
}

func (m *MemoryStore) CountSince(ctx context.Context, identifier string, eventType EventType, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	list := m.events[identifier]
	// Walk backwards; entries are time-ordered so stop at the first too-old one.
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].CreatedAt.Before(since) {
			break
		}
		if list[i].EventType == eventType {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, list := range m.events {
		keep := list[:0]
		for _, e := range list {
			if e.CreatedAt.Before(olderThan) {
				removed++
				continue
			}
			keep = append(keep, e)
		}
		if len(keep) == 0 {
			delete(m.events, id)
		} else {
			m.events[id] = keep
		}
	}
	return removed, nil
}
