package sinktrace

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/blacklist"
)

const (
	recipient = "0x1234567890abcdef1234567890abcdef12345678"
	exchange  = "0x9999999999999999999999999999999999999999"
	friend    = "0x8888888888888888888888888888888888888888"
)

type fakeChain struct {
	head uint64
	logs []types.Log
}

func (f *fakeChain) OutboundTransfers(ctx context.Context, from common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	return f.logs, nil
}

func (f *fakeChain) LatestBlock(ctx context.Context) (uint64, error) {
	return f.head, nil
}

type fakePayouts struct {
	completed []*CompletedPayout
}

func (f *fakePayouts) ListCompletedSince(ctx context.Context, since time.Time, limit int) ([]*CompletedPayout, error) {
	return f.completed, nil
}

func transferLog(to string, block uint64, amountWei int64) types.Log {
	return types.Log{
		BlockNumber: block,
		TxHash:      common.HexToHash("0xfeed"),
		Topics: []common.Hash{
			{},
			common.BytesToHash(common.HexToAddress(recipient).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(amountWei).Bytes(), 32),
	}
}

func newTestTracer(t *testing.T, chain *fakeChain, payouts *fakePayouts) (*Tracer, *blacklist.Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	bl := blacklist.NewService(blacklist.NewMemoryStore(), nil)
	tracer := NewTracer(store, chain, payouts, bl, nil, time.Hour)
	return tracer, bl, store
}

func completedPayout(block uint64) *CompletedPayout {
	return &CompletedPayout{
		TxID:        "pay_abc",
		TxHash:      "0xorigin",
		Recipient:   recipient,
		Amount:      "500",
		BlockNumber: block,
		ConfirmedAt: time.Now(),
	}
}

func TestScan_FastDumpToSinkFlagsAndFeedsBlacklist(t *testing.T) {
	chain := &fakeChain{
		head: 250,
		// 100 blocks after payout = 200 seconds, inside the 1h window
		logs: []types.Log{transferLog(exchange, 200, 1)},
	}
	payouts := &fakePayouts{completed: []*CompletedPayout{completedPayout(100)}}
	tracer, bl, _ := newTestTracer(t, chain, payouts)
	ctx := context.Background()

	_, err := tracer.AddSink(ctx, exchange, SinkExchange, "CEX hot wallet")
	require.NoError(t, err)

	written, err := tracer.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	trace, err := tracer.TraceFor(ctx, "pay_abc")
	require.NoError(t, err)
	assert.True(t, trace.Suspicious)
	assert.Equal(t, SinkExchange, trace.SinkCategory)
	assert.Equal(t, int64(200), trace.Elapsed)

	// Recipient is flagged, not blocked: completed payouts are never
	// reversed and flagged wallets still pass admission.
	entry, err := bl.Get(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, blacklist.ReasonLinkedToSink, entry.Reason)
	assert.Equal(t, blacklist.SeverityFlagged, entry.Severity)

	isBlocked, err := bl.IsBlocked(ctx, recipient)
	require.NoError(t, err)
	assert.False(t, isBlocked)
}

func TestScan_TransferToUnknownAddressNotSuspicious(t *testing.T) {
	chain := &fakeChain{head: 250, logs: []types.Log{transferLog(friend, 200, 1)}}
	payouts := &fakePayouts{completed: []*CompletedPayout{completedPayout(100)}}
	tracer, bl, _ := newTestTracer(t, chain, payouts)
	ctx := context.Background()

	written, err := tracer.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	trace, err := tracer.TraceFor(ctx, "pay_abc")
	require.NoError(t, err)
	assert.False(t, trace.Suspicious)
	assert.Empty(t, trace.SinkCategory)

	_, err = bl.Get(ctx, recipient)
	assert.ErrorIs(t, err, blacklist.ErrEntryNotFound)
}

func TestScan_SlowTransferToSinkNotSuspicious(t *testing.T) {
	chain := &fakeChain{
		head: 10000,
		// 2000 blocks = 4000 seconds, past the 1h window
		logs: []types.Log{transferLog(exchange, 2100, 1)},
	}
	payouts := &fakePayouts{completed: []*CompletedPayout{completedPayout(100)}}
	tracer, _, _ := newTestTracer(t, chain, payouts)
	ctx := context.Background()

	_, err := tracer.AddSink(ctx, exchange, SinkExchange, "")
	require.NoError(t, err)

	_, err = tracer.Scan(ctx)
	require.NoError(t, err)

	trace, err := tracer.TraceFor(ctx, "pay_abc")
	require.NoError(t, err)
	assert.False(t, trace.Suspicious, "transfers after the dump window are normal behavior")
	assert.Equal(t, SinkExchange, trace.SinkCategory)
}

func TestScan_NoMovementLeavesNoTrace(t *testing.T) {
	chain := &fakeChain{head: 250}
	payouts := &fakePayouts{completed: []*CompletedPayout{completedPayout(100)}}
	tracer, _, _ := newTestTracer(t, chain, payouts)

	written, err := tracer.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, written)

	_, err = tracer.TraceFor(context.Background(), "pay_abc")
	assert.ErrorIs(t, err, ErrTraceNotFound)
}

func TestScan_AlreadyTracedSkipped(t *testing.T) {
	chain := &fakeChain{head: 250, logs: []types.Log{transferLog(friend, 200, 1)}}
	payouts := &fakePayouts{completed: []*CompletedPayout{completedPayout(100)}}
	tracer, _, _ := newTestTracer(t, chain, payouts)
	ctx := context.Background()

	written, err := tracer.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	written, err = tracer.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, written, "second scan must not rewrite the trace")
}
