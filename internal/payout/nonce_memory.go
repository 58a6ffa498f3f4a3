package payout

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryNonceStore tracks nonce state in memory for demo/development mode.
type MemoryNonceStore struct {
	states map[string]*NonceState // lowercased wallet
	now    func() time.Time
	mu     sync.Mutex
}

// NewMemoryNonceStore creates a new in-memory nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		states: make(map[string]*NonceState),
		now:    time.Now,
	}
}

func (m *MemoryNonceStore) Seed(ctx context.Context, wallet string, lastUsed int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(wallet)
	if _, ok := m.states[key]; ok {
		return nil
	}
	m.states[key] = &NonceState{
		Wallet:        wallet,
		LastUsed:      lastUsed,
		LastConfirmed: -1,
	}
	return nil
}

func (m *MemoryNonceStore) Get(ctx context.Context, wallet string) (*NonceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[strings.ToLower(wallet)]
	if !ok {
		return nil, ErrNonceStateNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *MemoryNonceStore) Acquire(ctx context.Context, wallet, holder string, grace time.Duration) (*NonceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[strings.ToLower(wallet)]
	if !ok {
		return nil, ErrNonceStateNotFound
	}
	if st.Locked {
		if m.now().Sub(st.LockedAt) > grace {
			return nil, ErrNonceIntegrity
		}
		return nil, ErrNonceLocked
	}
	st.Locked = true
	st.LockHolder = holder
	st.LockedAt = m.now()
	cp := *st
	return &cp, nil
}

func (m *MemoryNonceStore) Release(ctx context.Context, wallet, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[strings.ToLower(wallet)]
	if !ok {
		return ErrNonceStateNotFound
	}
	if !st.Locked || st.LockHolder != holder {
		return nil
	}
	st.Locked = false
	st.LockHolder = ""
	st.LockedAt = time.Time{}
	return nil
}

func (m *MemoryNonceStore) MarkUsed(ctx context.Context, wallet string, nonce int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[strings.ToLower(wallet)]
	if !ok {
		return ErrNonceStateNotFound
	}
	if nonce > st.LastUsed {
		st.LastUsed = nonce
	}
	return nil
}

func (m *MemoryNonceStore) Confirm(ctx context.Context, wallet string, nonce int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[strings.ToLower(wallet)]
	if !ok {
		return ErrNonceStateNotFound
	}
	if nonce > st.LastConfirmed && nonce <= st.LastUsed {
		st.LastConfirmed = nonce
	}
	return nil
}

func (m *MemoryNonceStore) ForceUnlock(ctx context.Context, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[strings.ToLower(wallet)]
	if !ok {
		return ErrNonceStateNotFound
	}
	st.Locked = false
	st.LockHolder = ""
	st.LockedAt = time.Time{}
	return nil
}
