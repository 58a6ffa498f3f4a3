package server

import (
	"context"
	"time"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/payout"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/realtime"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/sinktrace"
)

// Adapters bridging package notifier interfaces onto the realtime hub.
// Each domain package declares the narrow interface it needs; these
// structs satisfy them without the packages importing realtime.

type payoutEvents struct {
	hub *realtime.Hub
}

func (p *payoutEvents) PayoutCompleted(txID, wallet, amount, txHash string) {
	p.hub.Emit(realtime.EventPayoutCompleted, map[string]interface{}{
		"payout_id": txID,
		"wallet":    wallet,
		"amount":    amount,
		"tx_hash":   txHash,
	})
}

func (p *payoutEvents) PayoutFailed(txID, wallet, reason string) {
	p.hub.Emit(realtime.EventPayoutFailed, map[string]interface{}{
		"payout_id": txID,
		"wallet":    wallet,
		"reason":    reason,
	})
}

type blacklistEvents struct {
	hub *realtime.Hub
}

func (b *blacklistEvents) WalletBlocked(wallet string, reason string) {
	b.hub.Emit(realtime.EventWalletBlocked, map[string]interface{}{
		"wallet": wallet,
		"reason": reason,
	})
}

type clusterEvents struct {
	hub *realtime.Hub
}

func (c *clusterEvents) ClusterBlocked(clusterID string, wallets []string, score int) {
	c.hub.Emit(realtime.EventClusterBlocked, map[string]interface{}{
		"cluster_id": clusterID,
		"wallets":    wallets,
		"score":      score,
	})
}

type sinkEvents struct {
	hub *realtime.Hub
}

func (s *sinkEvents) SuspiciousTrace(payoutTxID, recipient, destination string, category sinktrace.SinkCategory) {
	s.hub.Emit(realtime.EventSuspiciousTrace, map[string]interface{}{
		"payout_id":   payoutTxID,
		"recipient":   recipient,
		"destination": destination,
		"category":    string(category),
	})
}

// payoutSourceAdapter feeds completed payout transactions to the sink
// tracer in its own shape.
type payoutSourceAdapter struct {
	store payout.Store
}

func (a *payoutSourceAdapter) ListCompletedSince(ctx context.Context, since time.Time, limit int) ([]*sinktrace.CompletedPayout, error) {
	txs, err := a.store.ListCompletedSince(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*sinktrace.CompletedPayout, 0, len(txs))
	for _, tx := range txs {
		out = append(out, &sinktrace.CompletedPayout{
			TxID:        tx.ID,
			TxHash:      tx.TxHash,
			Recipient:   tx.Recipient,
			Amount:      tx.Amount,
			BlockNumber: tx.BlockNumber,
			ConfirmedAt: tx.ConfirmedAt,
		})
	}
	return out, nil
}
