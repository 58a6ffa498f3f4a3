// Package sinktrace watches where reward tokens go after payout.
//
// For every completed payout the tracer records the recipient's first
// outbound BMT transfer. A recipient that immediately forwards the reward to
// a known sink (exchange deposit, LP pool, mixer) is farming, not learning;
// such traces are flagged and feed the blacklist. Completed payouts are
// never reversed.
package sinktrace

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTraceNotFound = errors.New("trace not found")
	ErrSinkNotFound  = errors.New("known sink not found")
)

// SinkCategory classifies a known sink address.
type SinkCategory string

const (
	SinkExchange      SinkCategory = "exchange"
	SinkLPPool        SinkCategory = "lp_pool"
	SinkMixer         SinkCategory = "mixer"
	SinkFlaggedWallet SinkCategory = "flagged_wallet"
)

// KnownSink is an address where tokens leaving it stop being traceable.
type KnownSink struct {
	Address   string       `json:"address"`
	Category  SinkCategory `json:"category"`
	Label     string       `json:"label,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Trace records the first hop of a payout's tokens.
type Trace struct {
	ID           string       `json:"id"`
	PayoutTxID   string       `json:"payoutTxId"`
	Recipient    string       `json:"recipient"`
	Destination  string       `json:"destination,omitempty"` // empty until tokens move
	Amount       string       `json:"amount,omitempty"`
	HopTxHash    string       `json:"hopTxHash,omitempty"`
	Elapsed      int64        `json:"elapsedSeconds"` // confirmation to first hop
	SinkCategory SinkCategory `json:"sinkCategory,omitempty"`
	Suspicious   bool         `json:"suspicious"`
	CheckedAt    time.Time    `json:"checkedAt"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Store persists traces and known sinks.
type Store interface {
	SaveTrace(ctx context.Context, t *Trace) error
	GetTraceByPayout(ctx context.Context, payoutTxID string) (*Trace, error)
	ListSuspicious(ctx context.Context, limit int) ([]*Trace, error)

	AddSink(ctx context.Context, s *KnownSink) error
	GetSink(ctx context.Context, address string) (*KnownSink, error)
	ListSinks(ctx context.Context) ([]*KnownSink, error)
	RemoveSink(ctx context.Context, address string) error
}

// CompletedPayout is the slice of a payout transaction the tracer needs.
type CompletedPayout struct {
	TxID        string
	TxHash      string
	Recipient   string
	Amount      string
	BlockNumber uint64
	ConfirmedAt time.Time
}

// PayoutSource lists recently completed payouts for tracing. The tracer
// skips payouts it has already traced.
type PayoutSource interface {
	ListCompletedSince(ctx context.Context, since time.Time, limit int) ([]*CompletedPayout, error)
}
