package cluster

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory cluster store for demo/development mode.
type MemoryStore struct {
	clusters map[string]*Cluster
	byWallet map[string]string // wallet -> cluster ID
	byKey    map[string]string // identifier -> cluster ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory cluster store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clusters: make(map[string]*Cluster),
		byWallet: make(map[string]string),
		byKey:    make(map[string]string),
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clusters[id]
	if !ok {
		return nil, ErrClusterNotFound
	}
	return copyCluster(c), nil
}

func (m *MemoryStore) FindByKeys(ctx context.Context, wallets, identifiers []string) ([]*Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var result []*Cluster
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		if c, ok := m.clusters[id]; ok {
			result = append(result, copyCluster(c))
		}
	}

	for _, w := range wallets {
		add(m.byWallet[w])
	}
	for _, k := range identifiers {
		add(m.byKey[k])
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) FindByWallet(ctx context.Context, wallet string) (*Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byWallet[wallet]
	if !ok {
		return nil, ErrClusterNotFound
	}
	return copyCluster(m.clusters[id]), nil
}

func (m *MemoryStore) Save(ctx context.Context, c *Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.UpdatedAt = time.Now()
	m.clusters[c.ID] = copyCluster(c)
	for _, w := range c.Wallets {
		m.byWallet[w] = c.ID
	}
	for _, k := range c.Identifiers {
		m.byKey[k] = c.ID
	}
	return nil
}

func (m *MemoryStore) Merge(ctx context.Context, into *Cluster, absorbed []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range absorbed {
		delete(m.clusters, id)
	}
	into.UpdatedAt = time.Now()
	m.clusters[into.ID] = copyCluster(into)
	for _, w := range into.Wallets {
		m.byWallet[w] = into.ID
	}
	for _, k := range into.Identifiers {
		m.byKey[k] = into.ID
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, status Status, limit int) ([]*Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Cluster
	for _, c := range m.clusters {
		if c.Status == status {
			result = append(result, copyCluster(c))
		}
	}
	sortByScore(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListAll(ctx context.Context, limit int) ([]*Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Cluster
	for _, c := range m.clusters {
		result = append(result, copyCluster(c))
	}
	sortByScore(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountBlocked(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, c := range m.clusters {
		if c.Status == StatusBlocked {
			count++
		}
	}
	return count, nil
}

func copyCluster(c *Cluster) *Cluster {
	cp := *c
	cp.Wallets = append([]string(nil), c.Wallets...)
	cp.Identifiers = append([]string(nil), c.Identifiers...)
	return &cp
}

func sortByScore(clusters []*Cluster) {
	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].RiskScore > clusters[j].RiskScore
	})
}
