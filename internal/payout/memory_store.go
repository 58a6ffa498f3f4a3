package payout

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txs map[string]*Transaction
	mu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory payout transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Same guard the Postgres partial unique index enforces.
	for _, existing := range m.txs {
		if existing.RewardID == tx.RewardID && !existing.IsTerminal() {
			return ErrActivePayout
		}
	}

	cp := *tx
	m.txs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[tx.ID]; !ok {
		return ErrTxNotFound
	}
	cp := *tx
	m.txs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) GetActiveByReward(ctx context.Context, rewardID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.txs {
		if tx.RewardID == rewardID && !tx.IsTerminal() {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrTxNotFound
}

func (m *MemoryStore) ListByWallet(ctx context.Context, wallet string, limit int) ([]*Transaction, error) {
	return m.list(limit, func(tx *Transaction) bool {
		return strings.EqualFold(tx.Recipient, wallet)
	})
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	return m.list(limit, func(tx *Transaction) bool {
		return tx.Status == status
	})
}

func (m *MemoryStore) ListCompletedSince(ctx context.Context, since time.Time, limit int) ([]*Transaction, error) {
	return m.list(limit, func(tx *Transaction) bool {
		return tx.Status == StatusCompleted && tx.ConfirmedAt.After(since)
	})
}

func (m *MemoryStore) CountByReward(ctx context.Context, rewardID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, tx := range m.txs {
		if tx.RewardID == rewardID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) Summary(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := make(map[string]int)
	for _, tx := range m.txs {
		summary[string(tx.Status)]++
	}
	return summary, nil
}

func (m *MemoryStore) list(limit int, match func(*Transaction) bool) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if match(tx) {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
