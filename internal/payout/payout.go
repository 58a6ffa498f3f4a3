// Package payout executes BMT reward payouts from the treasury wallet.
//
// Flow:
//  1. Reward admitted → transaction row created as pending
//  2. Nonce lock acquired (fail fast), nonce = lastUsed+1 → processing
//  3. Transfer signed + broadcast → lastUsed advanced, lock released
//  4. Confirmation awaited off the lock → completed, lastConfirmed advanced
//  5. Broadcast rejection or confirmation timeout → failed, nonce stays consumed
//
// A consumed nonce is never rolled back: the transaction may still be sitting
// in a mempool, and reusing its nonce would double-pay. Retries always take a
// fresh transaction row and a fresh nonce.
package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrTxNotFound = errors.New("payout transaction not found")

	// ErrActivePayout means the reward already has a pending or processing
	// transaction row. At most one attempt per reward is in flight; a
	// second Execute racing off a stale reward read stops here instead of
	// broadcasting twice.
	ErrActivePayout = errors.New("reward already has an active payout")

	// ErrNonceLocked means another payout holds the signer's nonce lock.
	// Callers fail fast rather than queue; a pending reward is retried later.
	ErrNonceLocked = errors.New("nonce lock held by another payout")

	// ErrNonceIntegrity means a nonce lock has been held past the grace
	// period with no matching in-flight transaction. The signer's nonce
	// state can no longer be trusted and an operator must intervene; the
	// lock is never auto-released.
	ErrNonceIntegrity = errors.New("nonce lock held past grace period")

	ErrNonceStateNotFound = errors.New("nonce state not found")

	// ErrDailyLimit means the wallet's payout total for the day would
	// exceed the configured ceiling.
	ErrDailyLimit = errors.New("daily payout ceiling reached")

	ErrNotCompletable = errors.New("transaction cannot be completed manually")
)

// Status represents the state of a payout transaction.
type Status string

const (
	StatusPending    Status = "pending"    // Row created, nonce not yet assigned
	StatusProcessing Status = "processing" // Nonce assigned, broadcast in flight
	StatusCompleted  Status = "completed"  // Confirmed on chain
	StatusFailed     Status = "failed"     // Broadcast rejected or confirmation timed out
)

// Admission denial reason codes.
const (
	ReasonWalletBlacklisted  = "wallet_blacklisted"
	ReasonClusterBlacklisted = "cluster_blacklisted"
	ReasonRiskBlocked        = "risk_blocked"
	ReasonRiskHigh           = "risk_high"
	ReasonDailyLimit         = "daily_limit"
	ReasonInsufficientFunds  = "insufficient_funds"
)

// AdmissionError reports why a reward was refused before any transaction
// row was created.
type AdmissionError struct {
	Reason string
	Detail string
}

func (e *AdmissionError) Error() string {
	if e.Detail == "" {
		return "payout denied: " + e.Reason
	}
	return fmt.Sprintf("payout denied: %s (%s)", e.Reason, e.Detail)
}

// Transaction represents one payout attempt. Failed attempts are retained;
// a retry creates a fresh row with a fresh nonce.
type Transaction struct {
	ID          string    `json:"id"`
	RewardID    string    `json:"rewardId"`
	Recipient   string    `json:"recipient"`
	Amount      string    `json:"amount"` // Human-readable BMT
	Token       string    `json:"token"`  // ERC-20 contract address
	Status      Status    `json:"status"`
	TxHash      string    `json:"txHash,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	NonceUsed   int64     `json:"nonceUsed"` // -1 until a nonce is assigned
	RetryCount  int       `json:"retryCount"`
	Manual      bool      `json:"manual"`
	ErrorMsg    string    `json:"error,omitempty"`
	ConfirmedAt time.Time `json:"confirmedAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// NonceState tracks nonce usage for one signing wallet. LastUsed and
// LastConfirmed are -1 until the first nonce is consumed or confirmed, so
// the next nonce is always LastUsed+1. LastConfirmed never exceeds LastUsed.
type NonceState struct {
	Wallet        string    `json:"wallet"`
	LastUsed      int64     `json:"lastUsed"`
	LastConfirmed int64     `json:"lastConfirmed"`
	Locked        bool      `json:"locked"`
	LockHolder    string    `json:"lockHolder,omitempty"` // Transaction ID
	LockedAt      time.Time `json:"lockedAt,omitempty"`
}

// Store persists payout transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	GetActiveByReward(ctx context.Context, rewardID string) (*Transaction, error)
	ListByWallet(ctx context.Context, wallet string, limit int) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)
	ListCompletedSince(ctx context.Context, since time.Time, limit int) ([]*Transaction, error)
	CountByReward(ctx context.Context, rewardID string) (int, error)
	Summary(ctx context.Context) (map[string]int, error)
}

// NonceStore guards nonce assignment for signing wallets.
//
// Acquire is fail-fast: it returns ErrNonceLocked if the lock is held, and
// ErrNonceIntegrity if it has been held past the grace period. MarkUsed and
// Confirm advance monotonically and are valid while the lock is not held;
// a consumed nonce can never be un-consumed.
type NonceStore interface {
	// Seed creates the state row for a wallet if absent. lastUsed is -1
	// for a wallet that has never sent a transaction.
	Seed(ctx context.Context, wallet string, lastUsed int64) error
	Get(ctx context.Context, wallet string) (*NonceState, error)
	Acquire(ctx context.Context, wallet, holder string, grace time.Duration) (*NonceState, error)
	Release(ctx context.Context, wallet, holder string) error
	MarkUsed(ctx context.Context, wallet string, nonce int64) error
	Confirm(ctx context.Context, wallet string, nonce int64) error
	// ForceUnlock clears a lock regardless of holder. Operator recovery only.
	ForceUnlock(ctx context.Context, wallet string) error
}

// LimitStore tracks per-wallet daily payout totals. Reserve is an atomic
// check-and-add against the ceiling; a nil ceiling books the amount
// unconditionally.
type LimitStore interface {
	Reserve(ctx context.Context, wallet, day string, amount, ceiling *big.Int) error
	Release(ctx context.Context, wallet, day string, amount *big.Int) error
	Total(ctx context.Context, wallet, day string) (*big.Int, error)
}

// Day formats a time as the UTC calendar-day key used by LimitStore.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
