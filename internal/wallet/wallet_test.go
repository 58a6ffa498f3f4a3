package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
const testContract = "0x1111111111111111111111111111111111111111"

// fakeEthClient is a scriptable EthClient for unit tests
type fakeEthClient struct {
	pendingNonce uint64
	gasPrice     *big.Int
	sendErr      error
	sentTxs      []*types.Transaction
	callResult   []byte
	callErr      error
	callCount    int
	receipt      *types.Receipt
	receiptErr   error
	filteredLogs []types.Log
	currentBlock uint64
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return f.gasPrice, nil
}

func (f *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentTxs = append(f.sentTxs, tx)
	return nil
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

func (f *fakeEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.callCount++
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}

func (f *fakeEthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.filteredLogs, nil
}

func (f *fakeEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.currentBlock, nil
}

func (f *fakeEthClient) Close() {}

func newTestWallet(t *testing.T, client EthClient, opts ...Option) *Wallet {
	t.Helper()
	all := append([]Option{WithClient(client)}, opts...)
	w, err := New(Config{
		RPCURL:        "http://localhost:8545",
		PrivateKey:    testKey,
		ChainID:       84532,
		TokenContract: testContract,
	}, all...)
	require.NoError(t, err)
	return w
}

func TestTransferWithNonce_UsesSuppliedNonce(t *testing.T) {
	client := &fakeEthClient{pendingNonce: 99} // Must be ignored
	w := newTestWallet(t, client)

	amount, err := ParseBMT("500")
	require.NoError(t, err)

	res, err := w.TransferWithNonce(context.Background(),
		common.HexToAddress("0x2222222222222222222222222222222222222222"), amount, 41)
	require.NoError(t, err)

	assert.Equal(t, uint64(41), res.Nonce)
	require.Len(t, client.sentTxs, 1)
	assert.Equal(t, uint64(41), client.sentTxs[0].Nonce())
	assert.Equal(t, "500", res.Amount)
}

func TestTransferWithNonce_SendFailureCarriesTxHash(t *testing.T) {
	client := &fakeEthClient{sendErr: errors.New("connection refused")}
	w := newTestWallet(t, client)

	_, err := w.TransferWithNonce(context.Background(),
		common.HexToAddress("0x2222222222222222222222222222222222222222"), big.NewInt(1), 7)
	require.Error(t, err)

	var terr *TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "send", terr.Op)
	assert.NotEmpty(t, terr.TxHash)
}

func TestTransferWithNonce_RejectsNonPositiveAmount(t *testing.T) {
	w := newTestWallet(t, &fakeEthClient{})

	_, err := w.TransferWithNonce(context.Background(),
		common.HexToAddress("0x2222222222222222222222222222222222222222"), big.NewInt(0), 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTreasuryBalance_CachesWithinStaleness(t *testing.T) {
	bal := new(big.Int).Lsh(big.NewInt(1), 64)
	client := &fakeEthClient{callResult: common.LeftPadBytes(bal.Bytes(), 32)}

	now := time.Now()
	w := newTestWallet(t, client, WithClock(func() time.Time { return now }))

	got, err := w.TreasuryBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Cmp(got))
	assert.Equal(t, 1, client.callCount)

	// Within staleness bound: served from cache
	got, err = w.TreasuryBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Cmp(got))
	assert.Equal(t, 1, client.callCount)

	// Past the bound: refreshed
	now = now.Add(31 * time.Second)
	_, err = w.TreasuryBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, client.callCount)
}

func TestTreasuryBalance_InvalidatedAfterTransfer(t *testing.T) {
	client := &fakeEthClient{callResult: common.LeftPadBytes(big.NewInt(1000).Bytes(), 32)}
	w := newTestWallet(t, client)

	_, err := w.TreasuryBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, client.callCount)

	_, err = w.TransferWithNonce(context.Background(),
		common.HexToAddress("0x2222222222222222222222222222222222222222"), big.NewInt(1), 1)
	require.NoError(t, err)

	_, err = w.TreasuryBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, client.callCount, "cache should be dropped after a broadcast")
}

func TestWaitForConfirmation_Reverted(t *testing.T) {
	client := &fakeEthClient{
		receipt: &types.Receipt{Status: 0, BlockNumber: big.NewInt(100)},
	}
	w := newTestWallet(t, client)

	_, err := w.WaitForConfirmation(context.Background(), "0xdeadbeef", 10*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionFailed)
}

func TestWaitForConfirmation_Timeout(t *testing.T) {
	client := &fakeEthClient{receiptErr: errors.New("not found")}
	w := newTestWallet(t, client)

	_, err := w.WaitForConfirmation(context.Background(), "0xdeadbeef", 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFormatBMT(t *testing.T) {
	wei := func(s string) *big.Int {
		v, ok := new(big.Int).SetString(s, 10)
		require.True(t, ok)
		return v
	}

	tests := []struct {
		name   string
		amount *big.Int
		want   string
	}{
		{
			name:   "nil amount",
			amount: nil,
			want:   "0",
		},
		{
			name:   "zero",
			amount: big.NewInt(0),
			want:   "0",
		},
		{
			name:   "one token",
			amount: wei("1000000000000000000"),
			want:   "1",
		},
		{
			name:   "half token",
			amount: wei("500000000000000000"),
			want:   "0.5",
		},
		{
			name:   "smallest unit",
			amount: big.NewInt(1),
			want:   "0.000000000000000001",
		},
		{
			name:   "five hundred tokens",
			amount: wei("500000000000000000000"),
			want:   "500",
		},
		{
			name:   "mixed",
			amount: wei("1234567000000000000000"),
			want:   "1234.567",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatBMT(tt.amount)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBMT(t *testing.T) {
	wei := func(s string) *big.Int {
		v, _ := new(big.Int).SetString(s, 10)
		return v
	}

	tests := []struct {
		name    string
		amount  string
		want    *big.Int
		wantErr bool
	}{
		{
			name:   "one token",
			amount: "1",
			want:   wei("1000000000000000000"),
		},
		{
			name:   "with decimal",
			amount: "1.5",
			want:   wei("1500000000000000000"),
		},
		{
			name:   "five hundred",
			amount: "500",
			want:   wei("500000000000000000000"),
		},
		{
			name:   "smallest unit",
			amount: "0.000000000000000001",
			want:   big.NewInt(1),
		},
		{
			name:   "truncates extra decimals",
			amount: "1.0000000000000000019",
			want:   wei("1000000000000000001"),
		},
		{
			name:    "empty string",
			amount:  "",
			wantErr: true,
		},
		{
			name:    "invalid number",
			amount:  "abc",
			wantErr: true,
		},
		{
			name:    "multiple decimal points",
			amount:  "1.2.3",
			wantErr: true,
		},
		{
			name:    "negative",
			amount:  "-5",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBMT(tt.amount)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, tt.want.Cmp(got), "expected %s, got %s", tt.want.String(), got.String())
		})
	}
}

func TestParseAndFormat_Roundtrip(t *testing.T) {
	amounts := []string{
		"0",
		"1",
		"1.5",
		"500",
		"1234.567",
	}

	for _, amount := range amounts {
		t.Run(amount, func(t *testing.T) {
			parsed, err := ParseBMT(amount)
			require.NoError(t, err)

			formatted := FormatBMT(parsed)
			assert.Equal(t, amount, formatted)
		})
	}
}

func TestTransferError(t *testing.T) {
	err := &TransferError{
		Op:     "send",
		TxHash: "0xabc123",
		Err:    errors.New("network error"),
	}
	assert.Contains(t, err.Error(), "0xabc123")
	assert.True(t, errors.Is(err, err.Err))
}
