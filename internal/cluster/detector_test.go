package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/blacklist"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/velocity"
)

const (
	walletA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	walletB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	walletC = "0xcccccccccccccccccccccccccccccccccccccccc"
)

func newDetector(t *testing.T) (*Detector, *blacklist.Service) {
	t.Helper()
	bl := blacklist.NewService(blacklist.NewMemoryStore(), nil)
	return NewDetector(NewMemoryStore(), bl, nil, 75), bl
}

func TestObserve_SharedFingerprintLinks(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()

	require.NoError(t, d.Observe(ctx, walletA, "fp_shared01", "198.51.100.1", "25"))
	require.NoError(t, d.Observe(ctx, walletB, "fp_shared01", "198.51.100.2", "25"))

	c, err := d.ForWallet(ctx, walletA)
	require.NoError(t, err)
	assert.True(t, c.HasWallet(walletA))
	assert.True(t, c.HasWallet(walletB))
	assert.Len(t, c.Identifiers, 3) // one fingerprint, two IPs
}

func TestObserve_TransitiveMerge(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()

	// A and B share a fingerprint; C shares an IP with B. A bridge
	// observation must collapse everything into one cluster.
	require.NoError(t, d.Observe(ctx, walletA, "fp_one", "", "25"))
	require.NoError(t, d.Observe(ctx, walletC, "", "198.51.100.9", "25"))
	require.NoError(t, d.Observe(ctx, walletB, "fp_one", "198.51.100.9", "25"))

	cA, err := d.ForWallet(ctx, walletA)
	require.NoError(t, err)
	cC, err := d.ForWallet(ctx, walletC)
	require.NoError(t, err)

	assert.Equal(t, cA.ID, cC.ID, "bridged clusters must merge")
	assert.Len(t, cA.Wallets, 3)
}

func TestObserve_Idempotent(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()

	require.NoError(t, d.Observe(ctx, walletA, "fp_one", "198.51.100.1", "25"))
	first, err := d.ForWallet(ctx, walletA)
	require.NoError(t, err)

	require.NoError(t, d.Observe(ctx, walletA, "fp_one", "198.51.100.1", "25"))
	second, err := d.ForWallet(ctx, walletA)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Wallets, second.Wallets)
	assert.Equal(t, first.Identifiers, second.Identifiers)
	assert.Equal(t, first.RewardClaims+1, second.RewardClaims)
}

func TestRecompute_AutoBlockCascades(t *testing.T) {
	d, bl := newDetector(t)
	ctx := context.Background()

	// Five wallets behind one fingerprint with heavy claim volume
	// clears the block threshold.
	wallets := []string{
		walletA, walletB, walletC,
		"0xdddddddddddddddddddddddddddddddddddddddd",
		"0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
	}
	for i := 0; i < 5; i++ {
		for _, w := range wallets {
			require.NoError(t, d.Observe(ctx, w, "fp_farm", "198.51.100.1", "25"))
		}
	}

	blocked, err := d.Recompute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, blocked)

	c, err := d.ForWallet(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, c.Status)
	assert.True(t, c.AutoBlocked)

	// Every member wallet must now be blacklisted
	for _, w := range wallets {
		isBlocked, err := bl.IsBlocked(ctx, w)
		require.NoError(t, err)
		assert.True(t, isBlocked, "member %s should be blacklisted", w)
	}

	entry, err := bl.Get(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, blacklist.ReasonSybilAttack, entry.Reason)
	assert.Equal(t, c.ID, entry.Evidence.ClusterID)
}

func TestRecompute_CascadeExactlyOnce(t *testing.T) {
	d, bl := newDetector(t)
	ctx := context.Background()

	wallets := []string{
		walletA, walletB, walletC,
		"0xdddddddddddddddddddddddddddddddddddddddd",
		"0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
	}
	for i := 0; i < 5; i++ {
		for _, w := range wallets {
			require.NoError(t, d.Observe(ctx, w, "fp_farm", "", "25"))
		}
	}

	_, err := d.Recompute(ctx)
	require.NoError(t, err)

	// Operator clears one member individually
	require.NoError(t, bl.Deactivate(ctx, walletB, "ops"))

	// Another recompute must not re-blacklist the cleared wallet
	_, err = d.Recompute(ctx)
	require.NoError(t, err)

	isBlocked, err := bl.IsBlocked(ctx, walletB)
	require.NoError(t, err)
	assert.False(t, isBlocked, "individually cleared wallet must stay cleared")
}

func TestSmallCleanClusterNotBlocked(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()

	require.NoError(t, d.Observe(ctx, walletA, "fp_home", "198.51.100.1", "25"))
	require.NoError(t, d.Observe(ctx, walletB, "fp_home", "198.51.100.1", "25"))

	blocked, err := d.Recompute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, blocked)

	isBlocked, err := d.IsWalletClusterBlocked(ctx, walletA)
	require.NoError(t, err)
	assert.False(t, isBlocked)
}

func TestIsWalletClusterBlocked_UnknownWallet(t *testing.T) {
	d, _ := newDetector(t)

	blocked, err := d.IsWalletClusterBlocked(context.Background(), walletA)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestClear_OnlyOperatorLeavesBlocked(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()

	require.NoError(t, d.Observe(ctx, walletA, "fp_one", "", "25"))
	c, err := d.ForWallet(ctx, walletA)
	require.NoError(t, err)

	_, err = d.Block(ctx, c.ID)
	require.NoError(t, err)

	// Recompute never unblocks
	_, err = d.Recompute(ctx)
	require.NoError(t, err)
	got, err := d.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, got.Status)

	// Operator clear does
	_, err = d.Clear(ctx, c.ID)
	require.NoError(t, err)
	got, err = d.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCleared, got.Status)
}

func TestObserve_AccumulatesRewardTotal(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()

	require.NoError(t, d.Observe(ctx, walletA, "fp_one", "", "100"))
	require.NoError(t, d.Observe(ctx, walletB, "fp_one", "", "250.5"))

	c, err := d.ForWallet(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, "350.5", c.RewardTotal)

	// Totals survive a merge.
	require.NoError(t, d.Observe(ctx, walletC, "", "198.51.100.9", "50"))
	require.NoError(t, d.Observe(ctx, walletB, "fp_one", "198.51.100.9", "10"))

	merged, err := d.ForWallet(ctx, walletC)
	require.NoError(t, err)
	assert.Equal(t, "410.5", merged.RewardTotal)
}

func TestRecompute_HighValueClusterScoresHigher(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()

	// Two pairs with identical shape; one has drained real value.
	require.NoError(t, d.Observe(ctx, walletA, "fp_cheap", "", "10"))
	require.NoError(t, d.Observe(ctx, walletB, "fp_cheap", "", "10"))
	require.NoError(t, d.Observe(ctx, walletC, "fp_rich", "", "5000"))
	require.NoError(t, d.Observe(ctx, "0xdddddddddddddddddddddddddddddddddddddddd", "fp_rich", "", "5000"))

	_, err := d.Recompute(ctx)
	require.NoError(t, err)

	cheap, err := d.ForWallet(ctx, walletA)
	require.NoError(t, err)
	rich, err := d.ForWallet(ctx, walletC)
	require.NoError(t, err)
	assert.Equal(t, cheap.RiskScore+15, rich.RiskScore)
}

type stubRates struct {
	rates map[string]int
}

func (s *stubRates) Rate(ctx context.Context, identifier string, evType velocity.EventType, window time.Duration) (int, error) {
	return s.rates[identifier], nil
}

func TestRecompute_HotIdentifierScoresHigher(t *testing.T) {
	bl := blacklist.NewService(blacklist.NewMemoryStore(), nil)
	rates := &stubRates{rates: map[string]int{"fp_hot": 12}}
	d := NewDetector(NewMemoryStore(), bl, nil, 75).WithVelocity(rates)
	ctx := context.Background()

	require.NoError(t, d.Observe(ctx, walletA, "fp_hot", "", "10"))
	require.NoError(t, d.Observe(ctx, walletB, "fp_hot", "", "10"))
	require.NoError(t, d.Observe(ctx, walletC, "fp_cold", "", "10"))

	_, err := d.Recompute(ctx)
	require.NoError(t, err)

	hot, err := d.ForWallet(ctx, walletA)
	require.NoError(t, err)
	cold, err := d.ForWallet(ctx, walletC)
	require.NoError(t, err)
	assert.Greater(t, hot.RiskScore, cold.RiskScore)
}
