package sinktrace

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory trace store for demo/development mode.
type MemoryStore struct {
	traces map[string]*Trace     // by payout tx ID
	sinks  map[string]*KnownSink // by lowercased address
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory sink trace store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		traces: make(map[string]*Trace),
		sinks:  make(map[string]*KnownSink),
	}
}

func (m *MemoryStore) SaveTrace(ctx context.Context, t *Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.traces[t.PayoutTxID] = &cp
	return nil
}

func (m *MemoryStore) GetTraceByPayout(ctx context.Context, payoutTxID string) (*Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.traces[payoutTxID]
	if !ok {
		return nil, ErrTraceNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListSuspicious(ctx context.Context, limit int) ([]*Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trace
	for _, t := range m.traces {
		if t.Suspicious {
			cp := *t
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

func (m *MemoryStore) AddSink(ctx context.Context, s *KnownSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.sinks[strings.ToLower(s.Address)] = &cp
	return nil
}

func (m *MemoryStore) GetSink(ctx context.Context, address string) (*KnownSink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sinks[strings.ToLower(address)]
	if !ok {
		return nil, ErrSinkNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSinks(ctx context.Context) ([]*KnownSink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*KnownSink
	for _, s := range m.sinks {
		cp := *s
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Address < result[j].Address
	})
	return result, nil
}

func (m *MemoryStore) RemoveSink(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(address)
	if _, ok := m.sinks[key]; !ok {
		return ErrSinkNotFound
	}
	delete(m.sinks, key)
	return nil
}
