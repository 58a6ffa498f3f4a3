package payout

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryNonceStore_Lock(t *testing.T) {
	ctx := context.Background()
	ns := NewMemoryNonceStore()
	require.NoError(t, ns.Seed(ctx, treasuryAddr, 41))

	st, err := ns.Acquire(ctx, treasuryAddr, "pay_1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(41), st.LastUsed)

	_, err = ns.Acquire(ctx, treasuryAddr, "pay_2", time.Minute)
	assert.ErrorIs(t, err, ErrNonceLocked)

	// Only the holder can release.
	require.NoError(t, ns.Release(ctx, treasuryAddr, "pay_2"))
	_, err = ns.Acquire(ctx, treasuryAddr, "pay_2", time.Minute)
	assert.ErrorIs(t, err, ErrNonceLocked)

	require.NoError(t, ns.Release(ctx, treasuryAddr, "pay_1"))
	_, err = ns.Acquire(ctx, treasuryAddr, "pay_2", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryNonceStore_ConfirmNeverPassesUsed(t *testing.T) {
	ctx := context.Background()
	ns := NewMemoryNonceStore()
	require.NoError(t, ns.Seed(ctx, treasuryAddr, -1))

	require.NoError(t, ns.MarkUsed(ctx, treasuryAddr, 3))
	require.NoError(t, ns.Confirm(ctx, treasuryAddr, 5))

	st, err := ns.Get(ctx, treasuryAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.LastUsed)
	assert.Equal(t, int64(-1), st.LastConfirmed, "confirm beyond lastUsed is ignored")

	require.NoError(t, ns.Confirm(ctx, treasuryAddr, 2))
	st, err = ns.Get(ctx, treasuryAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.LastConfirmed)

	// MarkUsed never moves backwards.
	require.NoError(t, ns.MarkUsed(ctx, treasuryAddr, 1))
	st, err = ns.Get(ctx, treasuryAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.LastUsed)
}

func TestMemoryLimitStore_ConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	ls := NewMemoryLimitStore()
	ceiling := big.NewInt(200)
	amount := big.NewInt(10)
	day := Day(time.Now())

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ls.Reserve(ctx, treasuryAddr, day, amount, ceiling); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, granted, "reservations past the ceiling are refused")
	total, err := ls.Total(ctx, treasuryAddr, day)
	require.NoError(t, err)
	assert.Equal(t, 0, total.Cmp(ceiling))
}

func TestMemoryLimitStore_ReleaseClampsAtZero(t *testing.T) {
	ctx := context.Background()
	ls := NewMemoryLimitStore()
	day := Day(time.Now())

	require.NoError(t, ls.Reserve(ctx, treasuryAddr, day, big.NewInt(50), nil))
	require.NoError(t, ls.Release(ctx, treasuryAddr, day, big.NewInt(80)))

	total, err := ls.Total(ctx, treasuryAddr, day)
	require.NoError(t, err)
	assert.Equal(t, 0, total.Sign())
}

func TestMemoryStore_SingleActivePerReward(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	first := &Transaction{
		ID: "pay_1", RewardID: "rwd_1", Recipient: "0xabc", Amount: "100",
		Status: StatusProcessing, NonceUsed: 5, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, first))

	// A second non-terminal row for the same reward is rejected.
	second := &Transaction{
		ID: "pay_2", RewardID: "rwd_1", Recipient: "0xabc", Amount: "100",
		Status: StatusPending, NonceUsed: -1, CreatedAt: now, UpdatedAt: now,
	}
	assert.ErrorIs(t, store.Create(ctx, second), ErrActivePayout)

	// Once the first attempt is terminal, a retry row is fine.
	first.Status = StatusFailed
	require.NoError(t, store.Update(ctx, first))
	require.NoError(t, store.Create(ctx, second))

	active, err := store.GetActiveByReward(ctx, "rwd_1")
	require.NoError(t, err)
	assert.Equal(t, "pay_2", active.ID)
}
