package reward

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory reward store for demo/development mode.
type MemoryStore struct {
	rewards  map[string]*Reward // by ID
	byCourse map[string]string  // courseID|wallet -> ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory reward store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rewards:  make(map[string]*Reward),
		byCourse: make(map[string]string),
	}
}

func courseKey(courseID, wallet string) string {
	return courseID + "|" + strings.ToLower(wallet)
}

func (m *MemoryStore) Create(ctx context.Context, r *Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.CourseID != "" {
		key := courseKey(r.CourseID, r.Wallet)
		if _, ok := m.byCourse[key]; ok {
			return ErrDuplicateSignal
		}
		m.byCourse[key] = r.ID
	}

	cp := *r
	m.rewards[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rewards[id]
	if !ok {
		return nil, ErrRewardNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByCourseAndWallet(ctx context.Context, courseID, wallet string) (*Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCourse[courseKey(courseID, wallet)]
	if !ok {
		return nil, ErrRewardNotFound
	}
	cp := *m.rewards[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rewards[r.ID]; !ok {
		return ErrRewardNotFound
	}
	r.UpdatedAt = time.Now()
	cp := *r
	m.rewards[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByWallet(ctx context.Context, wallet string, limit int) ([]*Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Reward
	for _, r := range m.rewards {
		if strings.EqualFold(r.Wallet, wallet) {
			cp := *r
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]*Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Reward
	for _, r := range m.rewards {
		if r.Status == StatusPending {
			cp := *r
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortNewestFirst(rewards []*Reward) {
	sort.Slice(rewards, func(i, j int) bool {
		return rewards[i].CreatedAt.After(rewards[j].CreatedAt)
	})
}
