// Package blacklist maintains the set of wallets barred from payouts.
//
// Entries are never deleted. Deactivation flips the active flag and keeps the
// row for audit; re-adding an already-active wallet is a no-op so cascades
// from the cluster detector and sink tracer stay idempotent.
package blacklist

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEntryNotFound = errors.New("blacklist entry not found")
	ErrInvalidWallet = errors.New("blacklist: invalid wallet address")
)

// Reason categorizes why a wallet was blacklisted.
type Reason string

const (
	ReasonSybilAttack   Reason = "sybil_attack"
	ReasonLinkedToSink  Reason = "linked_to_sink"
	ReasonVelocityAbuse Reason = "velocity_abuse"
	ReasonManual        Reason = "manual"
)

// Severity grades how the entry is enforced. Only "blocked" denies payouts;
// "flagged" and "review" surface in the operator queue.
type Severity string

const (
	SeverityBlocked Severity = "blocked"
	SeverityFlagged Severity = "flagged"
	SeverityReview  Severity = "review"
)

// Evidence links an entry to what triggered it.
type Evidence struct {
	LinkedWallets []string `json:"linkedWallets,omitempty"`
	TxHashes      []string `json:"txHashes,omitempty"`
	ClusterID     string   `json:"clusterId,omitempty"`
	Note          string   `json:"note,omitempty"`
}

// Entry is one blacklisted wallet.
type Entry struct {
	ID            string    `json:"id"`
	Wallet        string    `json:"wallet"`
	Reason        Reason    `json:"reason"`
	Severity      Severity  `json:"severity"`
	Evidence      Evidence  `json:"evidence"`
	Active        bool      `json:"active"`
	AddedBy       string    `json:"addedBy"` // "system" or operator name
	CreatedAt     time.Time `json:"createdAt"`
	DeactivatedAt time.Time `json:"deactivatedAt,omitempty"`
}

// Store persists blacklist entries.
type Store interface {
	Upsert(ctx context.Context, e *Entry) (created bool, err error)
	GetActive(ctx context.Context, wallet string) (*Entry, error)
	Deactivate(ctx context.Context, wallet string) error
	List(ctx context.Context, activeOnly bool, limit int) ([]*Entry, error)
	CountActive(ctx context.Context) (int, error)
}
