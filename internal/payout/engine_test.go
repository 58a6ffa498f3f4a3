package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/ipcheck"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/reward"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/wallet"
)

const (
	treasuryAddr = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	learnerAddr  = "0x1234567890abcdef1234567890abcdef12345678"
	tokenAddr    = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// fakeWallet implements wallet.TokenWallet with scriptable transfer and
// confirmation behavior.
type fakeWallet struct {
	mu           sync.Mutex
	balance      *big.Int
	pendingNonce uint64
	noncesUsed   []uint64
	transferFn   func(ctx context.Context, to common.Address, amount *big.Int, nonce uint64) (*wallet.TransferResult, error)
	confirmFn    func(ctx context.Context, txHash string, timeout time.Duration) (*wallet.TransferResult, error)
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		balance:      mustBMT("1000000"),
		pendingNonce: 0,
	}
}

func (f *fakeWallet) Address() string { return treasuryAddr }

func (f *fakeWallet) PendingNonce(ctx context.Context) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeWallet) TransferWithNonce(ctx context.Context, to common.Address, amount *big.Int, nonce uint64) (*wallet.TransferResult, error) {
	f.mu.Lock()
	f.noncesUsed = append(f.noncesUsed, nonce)
	fn := f.transferFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, to, amount, nonce)
	}
	return &wallet.TransferResult{
		TxHash: fmt.Sprintf("0xabc%d", nonce),
		From:   treasuryAddr,
		To:     to.Hex(),
		Nonce:  nonce,
	}, nil
}

func (f *fakeWallet) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*wallet.TransferResult, error) {
	if f.confirmFn != nil {
		return f.confirmFn(ctx, txHash, timeout)
	}
	return &wallet.TransferResult{TxHash: txHash, BlockNumber: 1234}, nil
}

func (f *fakeWallet) TreasuryBalance(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeWallet) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	return f.TreasuryBalance(ctx)
}

func (f *fakeWallet) InvalidateBalance() {}
func (f *fakeWallet) Close() error       { return nil }

func (f *fakeWallet) usedNonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.noncesUsed...)
}

type stubChecker struct{ blocked bool }

func (s *stubChecker) IsBlocked(ctx context.Context, wallet string) (bool, error) {
	return s.blocked, nil
}

func (s *stubChecker) IsWalletClusterBlocked(ctx context.Context, wallet string) (bool, error) {
	return s.blocked, nil
}

type stubRisk struct {
	signals map[string]*ipcheck.Signal
}

func (s *stubRisk) Score(ctx context.Context, identifier string) (*ipcheck.Signal, error) {
	if sig, ok := s.signals[identifier]; ok {
		return sig, nil
	}
	return &ipcheck.Signal{Identifier: identifier, FraudScore: 5, Tier: ipcheck.TierLow}, nil
}

type testEnv struct {
	engine  *Engine
	wallet  *fakeWallet
	txs     *MemoryStore
	nonces  *MemoryNonceStore
	limits  *MemoryLimitStore
	rewards *reward.Service
	bl      *stubChecker
	cl      *stubChecker
	risk    *stubRisk
}

func newTestEnv(t *testing.T, policy Policy) *testEnv {
	t.Helper()

	if policy.DailyCeiling == nil {
		policy.DailyCeiling = mustBMT("100000")
	}
	if policy.TokenContract == "" {
		policy.TokenContract = tokenAddr
	}
	if policy.ConfirmationTimeout == 0 {
		policy.ConfirmationTimeout = 5 * time.Second
	}

	env := &testEnv{
		wallet:  newFakeWallet(),
		txs:     NewMemoryStore(),
		nonces:  NewMemoryNonceStore(),
		limits:  NewMemoryLimitStore(),
		rewards: reward.NewService(reward.NewMemoryStore(), nil, nil),
		bl:      &stubChecker{},
		cl:      &stubChecker{},
		risk:    &stubRisk{signals: make(map[string]*ipcheck.Signal)},
	}
	env.engine = NewEngine(env.txs, env.nonces, env.limits, env.wallet, env.rewards, policy).
		WithAdmission(env.bl, env.cl, env.risk)
	return env
}

func (e *testEnv) newReward(t *testing.T, amount, courseID, ip string) *reward.Reward {
	t.Helper()
	rw, err := e.rewards.Create(context.Background(), reward.ClaimRequest{
		Wallet:   learnerAddr,
		CourseID: courseID,
		Amount:   amount,
	}, ip)
	require.NoError(t, err)
	return rw
}

func mustBMT(s string) *big.Int {
	amount, err := wallet.ParseBMT(s)
	if err != nil {
		panic(err)
	}
	return amount
}

func TestEngine_Execute_AdvancesNonce(t *testing.T) {
	env := newTestEnv(t, Policy{MaxRetries: 2})
	ctx := context.Background()

	// Treasury has already sent 42 transactions; last used nonce is 41.
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 41))

	rw := env.newReward(t, "500", "course-101", "203.0.113.9")
	tx, err := env.engine.Execute(ctx, rw)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, tx.Status)
	assert.Equal(t, int64(42), tx.NonceUsed)
	assert.Equal(t, []uint64{42}, env.wallet.usedNonces())
	assert.NotEmpty(t, tx.TxHash)
	assert.Equal(t, uint64(1234), tx.BlockNumber)

	state, err := env.nonces.Get(ctx, treasuryAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(42), state.LastUsed)
	assert.Equal(t, int64(42), state.LastConfirmed)
	assert.False(t, state.Locked)

	got, err := env.rewards.Get(ctx, rw.ID)
	require.NoError(t, err)
	assert.Equal(t, reward.StatusCompleted, got.Status)

	total, err := env.limits.Total(ctx, treasuryAddr, Day(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 0, total.Cmp(mustBMT("500")))
}

func TestEngine_Execute_DeniesBlockedRiskTier(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 0))

	clientIP := "198.51.100.7"
	env.risk.signals[clientIP] = &ipcheck.Signal{
		Identifier: clientIP,
		FraudScore: 91,
		VPN:        true,
		Tier:       ipcheck.DeriveTier(91, false, false),
	}

	rw := env.newReward(t, "100", "course-101", clientIP)
	_, err := env.engine.Execute(ctx, rw)

	var adm *AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, ReasonRiskBlocked, adm.Reason)

	// No transaction row, no broadcast, reward denied with the reason code.
	assert.Empty(t, env.wallet.usedNonces())
	summary, err := env.txs.Summary(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary)

	got, err := env.rewards.Get(ctx, rw.ID)
	require.NoError(t, err)
	assert.Equal(t, reward.StatusDenied, got.Status)
	assert.Equal(t, ReasonRiskBlocked, got.DenialReason)
}

func TestEngine_Execute_HighRiskPolicy(t *testing.T) {
	clientIP := "198.51.100.8"
	signal := &ipcheck.Signal{Identifier: clientIP, FraudScore: 75, Tier: ipcheck.TierHigh}

	t.Run("denied by default", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		require.NoError(t, env.nonces.Seed(context.Background(), treasuryAddr, 0))
		env.risk.signals[clientIP] = signal

		rw := env.newReward(t, "100", "course-101", clientIP)
		_, err := env.engine.Execute(context.Background(), rw)

		var adm *AdmissionError
		require.ErrorAs(t, err, &adm)
		assert.Equal(t, ReasonRiskHigh, adm.Reason)
	})

	t.Run("paid when allowed", func(t *testing.T) {
		env := newTestEnv(t, Policy{AllowHighRisk: true})
		require.NoError(t, env.nonces.Seed(context.Background(), treasuryAddr, 0))
		env.risk.signals[clientIP] = signal

		rw := env.newReward(t, "100", "course-101", clientIP)
		tx, err := env.engine.Execute(context.Background(), rw)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, tx.Status)
	})
}

func TestEngine_Execute_AdmissionOrder(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 0))

	// Blacklist outranks every other denial reason.
	env.bl.blocked = true
	env.cl.blocked = true
	env.wallet.balance = big.NewInt(0)

	rw := env.newReward(t, "100", "course-101", "203.0.113.9")
	_, err := env.engine.Execute(ctx, rw)

	var adm *AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, ReasonWalletBlacklisted, adm.Reason)

	env.bl.blocked = false
	rw2 := env.newReward(t, "100", "course-102", "203.0.113.9")
	_, err = env.engine.Execute(ctx, rw2)
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, ReasonClusterBlacklisted, adm.Reason)
}

func TestEngine_Execute_DailyCeiling(t *testing.T) {
	env := newTestEnv(t, Policy{DailyCeiling: mustBMT("800")})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 0))

	rw1 := env.newReward(t, "500", "course-101", "203.0.113.9")
	_, err := env.engine.Execute(ctx, rw1)
	require.NoError(t, err)

	// 500 booked; another 500 would cross the 800 ceiling.
	rw2 := env.newReward(t, "500", "course-102", "203.0.113.9")
	_, err = env.engine.Execute(ctx, rw2)

	var adm *AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, ReasonDailyLimit, adm.Reason)

	got, err := env.rewards.Get(ctx, rw2.ID)
	require.NoError(t, err)
	assert.Equal(t, reward.StatusDenied, got.Status)
}

func TestEngine_Execute_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 0))
	env.wallet.balance = mustBMT("10")

	rw := env.newReward(t, "100", "course-101", "203.0.113.9")
	_, err := env.engine.Execute(ctx, rw)

	var adm *AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, ReasonInsufficientFunds, adm.Reason)
}

func TestEngine_Execute_NonceContention(t *testing.T) {
	env := newTestEnv(t, Policy{MaxRetries: 2})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 10))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.wallet.transferFn = func(ctx context.Context, to common.Address, amount *big.Int, nonce uint64) (*wallet.TransferResult, error) {
		once.Do(func() { close(entered) })
		<-release
		return &wallet.TransferResult{TxHash: "0xfirst", Nonce: nonce}, nil
	}

	rw1 := env.newReward(t, "100", "course-101", "203.0.113.9")
	rw2 := env.newReward(t, "100", "course-102", "203.0.113.9")

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Execute(ctx, rw1)
		done <- err
	}()
	<-entered

	// First payout holds the lock inside the broadcast window; the second
	// fails fast instead of queueing.
	_, err := env.engine.Execute(ctx, rw2)
	require.ErrorIs(t, err, ErrNonceLocked)

	got, err := env.rewards.Get(ctx, rw2.ID)
	require.NoError(t, err)
	assert.Equal(t, reward.StatusPending, got.Status, "contended reward stays pending for retry")

	failed, err := env.txs.ListByStatus(ctx, StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, rw2.ID, failed[0].RewardID)
	assert.Equal(t, int64(-1), failed[0].NonceUsed, "no nonce burned on contention")

	close(release)
	require.NoError(t, <-done)

	// Only the winner booked the daily limit.
	total, err := env.limits.Total(ctx, treasuryAddr, Day(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 0, total.Cmp(mustBMT("100")))
}

func TestEngine_Execute_ConfirmationTimeoutConsumesNonce(t *testing.T) {
	env := newTestEnv(t, Policy{MaxRetries: 2})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 20))

	env.wallet.confirmFn = func(ctx context.Context, txHash string, timeout time.Duration) (*wallet.TransferResult, error) {
		return nil, &wallet.TransferError{Op: "confirm", TxHash: txHash, Err: errors.New("transaction not confirmed after 5s")}
	}

	rw := env.newReward(t, "250", "course-101", "203.0.113.9")
	tx, err := env.engine.Execute(ctx, rw)
	require.Error(t, err)
	require.NotNil(t, tx)

	assert.Equal(t, StatusFailed, tx.Status)
	assert.Contains(t, tx.ErrorMsg, "confirmation")
	assert.Equal(t, int64(21), tx.NonceUsed)

	// The broadcast was accepted, so the nonce stays consumed even though
	// the transfer never confirmed.
	state, err := env.nonces.Get(ctx, treasuryAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(21), state.LastUsed)
	assert.Equal(t, int64(-1), state.LastConfirmed)
	assert.False(t, state.Locked)

	got, err := env.rewards.Get(ctx, rw.ID)
	require.NoError(t, err)
	assert.Equal(t, reward.StatusPending, got.Status, "retries remain")

	total, err := env.limits.Total(ctx, treasuryAddr, Day(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 0, total.Sign(), "daily reservation released on failure")
}

func TestEngine_Execute_BroadcastRejected(t *testing.T) {
	env := newTestEnv(t, Policy{MaxRetries: 0})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 5))

	env.wallet.transferFn = func(ctx context.Context, to common.Address, amount *big.Int, nonce uint64) (*wallet.TransferResult, error) {
		return nil, &wallet.TransferError{Op: "send transaction", TxHash: "0xdead", Err: errors.New("replacement transaction underpriced")}
	}

	rw := env.newReward(t, "100", "course-101", "203.0.113.9")
	tx, err := env.engine.Execute(ctx, rw)
	require.Error(t, err)

	assert.Equal(t, StatusFailed, tx.Status)
	assert.Equal(t, "0xdead", tx.TxHash, "hash from the failed broadcast is kept")

	// The signed transaction may have reached a mempool; nonce 6 is gone.
	state, err := env.nonces.Get(ctx, treasuryAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(6), state.LastUsed)

	got, err := env.rewards.Get(ctx, rw.ID)
	require.NoError(t, err)
	assert.Equal(t, reward.StatusFailed, got.Status, "no retries configured")
}

func TestEngine_Execute_RetryUsesFreshNonce(t *testing.T) {
	env := newTestEnv(t, Policy{MaxRetries: 2})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 30))

	attempts := 0
	env.wallet.confirmFn = func(ctx context.Context, txHash string, timeout time.Duration) (*wallet.TransferResult, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("timeout")
		}
		return &wallet.TransferResult{TxHash: txHash, BlockNumber: 2000}, nil
	}

	rw := env.newReward(t, "100", "course-101", "203.0.113.9")
	_, err := env.engine.Execute(ctx, rw)
	require.Error(t, err)

	got, err := env.rewards.Get(ctx, rw.ID)
	require.NoError(t, err)
	require.Equal(t, reward.StatusPending, got.Status)

	tx2, err := env.engine.Execute(ctx, got)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, tx2.Status)
	assert.Equal(t, int64(32), tx2.NonceUsed, "retry burns a fresh nonce")
	assert.Equal(t, 1, tx2.RetryCount)
	assert.Equal(t, []uint64{31, 32}, env.wallet.usedNonces())
}

func TestEngine_Execute_RetriesExhausted(t *testing.T) {
	env := newTestEnv(t, Policy{MaxRetries: 1})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 0))

	env.wallet.confirmFn = func(ctx context.Context, txHash string, timeout time.Duration) (*wallet.TransferResult, error) {
		return nil, errors.New("timeout")
	}

	rw := env.newReward(t, "100", "course-101", "203.0.113.9")
	for i := 0; i < 2; i++ {
		_, err := env.engine.Execute(ctx, rw)
		require.Error(t, err)
	}

	_, err := env.engine.Execute(ctx, rw)
	require.ErrorIs(t, err, ErrRetriesExhausted)

	got, err := env.rewards.Get(ctx, rw.ID)
	require.NoError(t, err)
	assert.Equal(t, reward.StatusFailed, got.Status)
}

func TestEngine_Execute_StaleLockIsIntegrityFault(t *testing.T) {
	env := newTestEnv(t, Policy{NonceLockGrace: 5 * time.Minute})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 0))

	// A crashed payout left the lock behind six minutes ago.
	_, err := env.nonces.Acquire(ctx, treasuryAddr, "pay_ghost", 5*time.Minute)
	require.NoError(t, err)
	env.nonces.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	rw := env.newReward(t, "100", "course-101", "203.0.113.9")
	_, err = env.engine.Execute(ctx, rw)
	require.ErrorIs(t, err, ErrNonceIntegrity)

	// The lock is never auto-released; recovery is an operator action.
	state, err := env.nonces.Get(ctx, treasuryAddr)
	require.NoError(t, err)
	assert.True(t, state.Locked)
	assert.Equal(t, "pay_ghost", state.LockHolder)

	require.NoError(t, env.engine.UnlockNonce(ctx, "ops@bmtu"))
	state, err = env.nonces.Get(ctx, treasuryAddr)
	require.NoError(t, err)
	assert.False(t, state.Locked)
}

func TestEngine_Execute_SeedsNonceFromChain(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	env.wallet.pendingNonce = 7

	rw := env.newReward(t, "100", "course-101", "203.0.113.9")
	tx, err := env.engine.Execute(ctx, rw)
	require.NoError(t, err)

	assert.Equal(t, int64(7), tx.NonceUsed)
	assert.Equal(t, []uint64{7}, env.wallet.usedNonces())
}

func TestEngine_CompleteManually(t *testing.T) {
	env := newTestEnv(t, Policy{MaxRetries: 0})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 0))

	env.wallet.confirmFn = func(ctx context.Context, txHash string, timeout time.Duration) (*wallet.TransferResult, error) {
		return nil, errors.New("timeout")
	}
	rw := env.newReward(t, "300", "course-101", "203.0.113.9")
	failedTx, err := env.engine.Execute(ctx, rw)
	require.Error(t, err)
	require.Equal(t, StatusFailed, failedTx.Status)

	// Operator verified the transfer landed on chain after the timeout.
	tx, err := env.engine.CompleteManually(ctx, failedTx.ID, "0xrealhash", "ops@bmtu")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, tx.Status)
	assert.True(t, tx.Manual)
	assert.Equal(t, "0xrealhash", tx.TxHash)

	got, err := env.rewards.Get(ctx, rw.ID)
	require.NoError(t, err)
	assert.Equal(t, reward.StatusCompleted, got.Status)

	// Manual completion still counts against the day's ceiling arithmetic.
	total, err := env.limits.Total(ctx, treasuryAddr, Day(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 0, total.Cmp(mustBMT("300")))

	_, err = env.engine.CompleteManually(ctx, failedTx.ID, "", "ops@bmtu")
	assert.ErrorIs(t, err, ErrNotCompletable)
}

func TestEngine_ProcessPending(t *testing.T) {
	env := newTestEnv(t, Policy{MaxRetries: 2})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 0))

	env.newReward(t, "100", "course-101", "203.0.113.9")
	env.newReward(t, "200", "course-102", "203.0.113.9")

	paid, err := env.engine.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, paid)
	assert.Equal(t, []uint64{1, 2}, env.wallet.usedNonces())

	// Nothing left to pay on the next pass.
	paid, err = env.engine.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, paid)
}

func TestEngine_Execute_StaleRewardNotPaidTwice(t *testing.T) {
	env := newTestEnv(t, Policy{MaxRetries: 2})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 0))

	rw := env.newReward(t, "250", "course-101", "203.0.113.9")
	stale := *rw

	first, err := env.engine.Execute(ctx, rw)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)

	// A caller still holding the pre-payout copy of the reward passes the
	// in-memory status check; the completed reward must stop it before any
	// second transfer goes out.
	_, err = env.engine.Execute(ctx, &stale)
	require.ErrorIs(t, err, reward.ErrAlreadyFinal)

	assert.Equal(t, []uint64{1}, env.wallet.usedNonces())

	completed, err := env.txs.ListByStatus(ctx, StatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)

	// The aborted attempt left a failed row with no nonce and did not book
	// the daily limit a second time.
	failed, err := env.txs.ListByStatus(ctx, StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, int64(-1), failed[0].NonceUsed)

	total, err := env.limits.Total(ctx, treasuryAddr, Day(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 0, total.Cmp(mustBMT("250")))
}

func TestEngine_Execute_InFlightAttemptBlocksSecond(t *testing.T) {
	env := newTestEnv(t, Policy{MaxRetries: 2})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 0))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.wallet.transferFn = func(ctx context.Context, to common.Address, amount *big.Int, nonce uint64) (*wallet.TransferResult, error) {
		once.Do(func() { close(entered) })
		<-release
		return &wallet.TransferResult{TxHash: "0xinflight", Nonce: nonce}, nil
	}

	rw := env.newReward(t, "100", "course-101", "203.0.113.9")
	stale := *rw

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Execute(ctx, rw)
		done <- err
	}()
	<-entered

	// The first attempt's transaction row is non-terminal, so a concurrent
	// Execute for the same reward stops before touching the nonce lock.
	_, err := env.engine.Execute(ctx, &stale)
	require.ErrorIs(t, err, ErrActivePayout)

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, []uint64{1}, env.wallet.usedNonces())
	completed, err := env.txs.ListByStatus(ctx, StatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
}

func TestEngine_Execute_WaitsOutNonceContention(t *testing.T) {
	env := newTestEnv(t, Policy{MaxRetries: 2, NonceLockTimeout: 3 * time.Second})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 10))

	// Another payout holds the lock; it lets go well inside the wait budget.
	_, err := env.nonces.Acquire(ctx, treasuryAddr, "pay_other", time.Minute)
	require.NoError(t, err)
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = env.nonces.Release(context.Background(), treasuryAddr, "pay_other")
	}()

	rw := env.newReward(t, "100", "course-101", "203.0.113.9")
	tx, err := env.engine.Execute(ctx, rw)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.Equal(t, []uint64{11}, env.wallet.usedNonces())
}

func TestEngine_Execute_WaitBudgetExhausted(t *testing.T) {
	env := newTestEnv(t, Policy{MaxRetries: 2, NonceLockTimeout: 120 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, env.nonces.Seed(ctx, treasuryAddr, 10))

	_, err := env.nonces.Acquire(ctx, treasuryAddr, "pay_other", time.Minute)
	require.NoError(t, err)

	rw := env.newReward(t, "100", "course-101", "203.0.113.9")
	_, err = env.engine.Execute(ctx, rw)
	require.ErrorIs(t, err, ErrNonceLocked)
	assert.Empty(t, env.wallet.usedNonces())
}
