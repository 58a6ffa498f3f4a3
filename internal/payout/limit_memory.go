package payout

import (
	"context"
	"math/big"
	"strings"
	"sync"
)

// MemoryLimitStore tracks daily payout totals in memory for demo/development
// mode. Reserve is atomic under the store mutex.
type MemoryLimitStore struct {
	totals map[string]*big.Int // lowercased wallet + "|" + day
	mu     sync.Mutex
}

// NewMemoryLimitStore creates a new in-memory daily limit store.
func NewMemoryLimitStore() *MemoryLimitStore {
	return &MemoryLimitStore{totals: make(map[string]*big.Int)}
}

func limitKey(wallet, day string) string {
	return strings.ToLower(wallet) + "|" + day
}

func (m *MemoryLimitStore) Reserve(ctx context.Context, wallet, day string, amount, ceiling *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := limitKey(wallet, day)
	total, ok := m.totals[key]
	if !ok {
		total = new(big.Int)
	}
	next := new(big.Int).Add(total, amount)
	if ceiling != nil && next.Cmp(ceiling) > 0 {
		return ErrDailyLimit
	}
	m.totals[key] = next
	return nil
}

func (m *MemoryLimitStore) Release(ctx context.Context, wallet, day string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := limitKey(wallet, day)
	total, ok := m.totals[key]
	if !ok {
		return nil
	}
	next := new(big.Int).Sub(total, amount)
	if next.Sign() < 0 {
		next.SetInt64(0)
	}
	m.totals[key] = next
	return nil
}

func (m *MemoryLimitStore) Total(ctx context.Context, wallet, day string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total, ok := m.totals[limitKey(wallet, day)]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(total), nil
}
