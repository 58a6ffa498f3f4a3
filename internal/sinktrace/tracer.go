package sinktrace

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/blacklist"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/idgen"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/logging"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/metrics"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/wallet"
)

// secondsPerBlock approximates elapsed time from block deltas. Base L2
// produces a block every two seconds.
const secondsPerBlock = 2

// lookback bounds how far behind a payout the scan starts and how old a
// completed payout can be before the tracer stops re-checking it.
const lookback = 24 * time.Hour

// Chain reads outbound token transfers. Implemented by wallet.Wallet.
type Chain interface {
	OutboundTransfers(ctx context.Context, from common.Address, fromBlock, toBlock uint64) ([]types.Log, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// Blacklister flags wallets linked to sinks.
type Blacklister interface {
	Add(ctx context.Context, wallet string, reason blacklist.Reason, severity blacklist.Severity, evidence blacklist.Evidence, addedBy string) (*blacklist.Entry, error)
}

// Notifier receives suspicious-trace events for the operator stream.
type Notifier interface {
	SuspiciousTrace(payoutTxID, recipient, destination string, category SinkCategory)
}

// Tracer scans completed payouts for immediate dumps into known sinks.
type Tracer struct {
	store      Store
	chain      Chain
	payouts    PayoutSource
	blacklist  Blacklister
	notifier   Notifier
	dumpWindow time.Duration
	now        func() time.Time
}

// Option configures the tracer.
type Option func(*Tracer)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// NewTracer creates a sink tracer. dumpWindow is the interval after payout
// confirmation within which a transfer to a known sink counts as a dump.
func NewTracer(store Store, chain Chain, payouts PayoutSource, bl Blacklister, notifier Notifier, dumpWindow time.Duration, opts ...Option) *Tracer {
	if dumpWindow <= 0 {
		dumpWindow = time.Hour
	}
	t := &Tracer{
		store:      store,
		chain:      chain,
		payouts:    payouts,
		blacklist:  bl,
		notifier:   notifier,
		dumpWindow: dumpWindow,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Scan traces completed payouts that have no trace yet. Returns how many
// traces were written.
func (t *Tracer) Scan(ctx context.Context) (int, error) {
	payoutList, err := t.payouts.ListCompletedSince(ctx, t.now().Add(-lookback), 200)
	if err != nil {
		return 0, fmt.Errorf("list completed payouts: %w", err)
	}

	log := logging.L(ctx)
	written := 0

	for _, p := range payoutList {
		if _, err := t.store.GetTraceByPayout(ctx, p.TxID); err == nil {
			continue // already traced
		} else if !errors.Is(err, ErrTraceNotFound) {
			return written, err
		}

		trace, err := t.tracePayout(ctx, p)
		if err != nil {
			log.Warn("payout trace failed", "payoutTxId", p.TxID, "error", err)
			continue
		}
		if trace == nil {
			continue // no movement yet, retry next scan
		}

		if err := t.store.SaveTrace(ctx, trace); err != nil {
			log.Warn("trace save failed", "payoutTxId", p.TxID, "error", err)
			continue
		}
		written++

		if trace.Suspicious {
			metrics.SuspiciousTracesTotal.Inc()
			log.Warn("suspicious sink dump detected",
				"payoutTxId", p.TxID,
				"recipient", p.Recipient,
				"destination", trace.Destination,
				"sink", string(trace.SinkCategory),
				"elapsedSeconds", trace.Elapsed)

			_, err := t.blacklist.Add(ctx, p.Recipient,
				blacklist.ReasonLinkedToSink,
				blacklist.SeverityFlagged,
				blacklist.Evidence{
					TxHashes: []string{p.TxHash, trace.HopTxHash},
					Note:     fmt.Sprintf("dumped to %s %s after %ds", trace.SinkCategory, trace.Destination, trace.Elapsed),
				}, "system")
			if err != nil {
				log.Warn("sink blacklist feed failed", "wallet", p.Recipient, "error", err)
			}
			if t.notifier != nil {
				t.notifier.SuspiciousTrace(p.TxID, p.Recipient, trace.Destination, trace.SinkCategory)
			}
		}
	}

	return written, nil
}

// tracePayout finds the recipient's first outbound transfer at or after the
// payout block. Returns nil when the tokens have not moved.
func (t *Tracer) tracePayout(ctx context.Context, p *CompletedPayout) (*Trace, error) {
	head, err := t.chain.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest block: %w", err)
	}
	if head < p.BlockNumber {
		return nil, nil
	}

	logs, err := t.chain.OutboundTransfers(ctx, common.HexToAddress(p.Recipient), p.BlockNumber, head)
	if err != nil {
		return nil, fmt.Errorf("outbound transfers: %w", err)
	}
	if len(logs) == 0 {
		return nil, nil
	}

	// Logs come back block-ordered; the first one is the first hop.
	first := logs[0]
	if len(first.Topics) < 3 {
		return nil, nil
	}

	destination := strings.ToLower(common.HexToAddress(first.Topics[2].Hex()).Hex())
	amount := new(big.Int).SetBytes(first.Data)
	elapsed := int64(first.BlockNumber-p.BlockNumber) * secondsPerBlock

	now := t.now()
	trace := &Trace{
		ID:          idgen.WithPrefix("tr_"),
		PayoutTxID:  p.TxID,
		Recipient:   strings.ToLower(p.Recipient),
		Destination: destination,
		Amount:      wallet.FormatBMT(amount),
		HopTxHash:   first.TxHash.Hex(),
		Elapsed:     elapsed,
		CheckedAt:   now,
		CreatedAt:   now,
	}

	sink, err := t.store.GetSink(ctx, destination)
	if err == nil {
		trace.SinkCategory = sink.Category
		if time.Duration(elapsed)*time.Second < t.dumpWindow {
			trace.Suspicious = true
		}
	} else if !errors.Is(err, ErrSinkNotFound) {
		return nil, err
	}

	return trace, nil
}

// AddSink registers a known sink address. Operator path.
func (t *Tracer) AddSink(ctx context.Context, address string, category SinkCategory, label string) (*KnownSink, error) {
	s := &KnownSink{
		Address:   strings.ToLower(address),
		Category:  category,
		Label:     label,
		CreatedAt: t.now(),
	}
	if err := t.store.AddSink(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// RemoveSink unregisters a sink address.
func (t *Tracer) RemoveSink(ctx context.Context, address string) error {
	return t.store.RemoveSink(ctx, strings.ToLower(address))
}

// ListSinks returns all known sinks.
func (t *Tracer) ListSinks(ctx context.Context) ([]*KnownSink, error) {
	return t.store.ListSinks(ctx)
}

// ListSuspicious returns flagged traces for the operator surface.
func (t *Tracer) ListSuspicious(ctx context.Context, limit int) ([]*Trace, error) {
	return t.store.ListSuspicious(ctx, limit)
}

// TraceFor returns the trace for a payout transaction.
func (t *Tracer) TraceFor(ctx context.Context, payoutTxID string) (*Trace, error) {
	return t.store.GetTraceByPayout(ctx, payoutTxID)
}
