// Package cluster groups wallets that share device fingerprints or IP
// addresses and scores each group for Sybil farming.
//
// Linkage is transitive: if wallets A and B share a fingerprint and B and C
// share an IP, all three land in one cluster. Merging is idempotent and
// order-independent, so re-observing old signals never changes the result.
package cluster

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClusterNotFound = errors.New("cluster not found")
	ErrNotBlocked      = errors.New("cluster is not blocked")
)

// Status is the review state of a cluster.
type Status string

const (
	StatusDetected Status = "detected"
	StatusReviewed Status = "reviewed"
	StatusBlocked  Status = "blocked"
	StatusCleared  Status = "cleared"
)

// Identifier kinds used as linkage keys. Stored prefixed so a fingerprint
// and an IP with the same raw value never collide.
const (
	KeyFingerprint = "fp:"
	KeyIP          = "ip:"
)

// Cluster is a group of wallets linked by shared identifiers.
type Cluster struct {
	ID           string    `json:"id"`
	Wallets      []string  `json:"wallets"`
	Identifiers  []string  `json:"identifiers"` // prefixed, see KeyFingerprint/KeyIP
	RewardClaims int       `json:"rewardClaims"`
	RewardTotal  string    `json:"rewardTotal"` // Claimed BMT across all members, decimal string
	RiskScore    int       `json:"riskScore"`   // 0-100
	Status       Status    `json:"status"`
	AutoBlocked  bool      `json:"autoBlocked"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasWallet reports membership.
func (c *Cluster) HasWallet(wallet string) bool {
	for _, w := range c.Wallets {
		if w == wallet {
			return true
		}
	}
	return false
}

// Store persists clusters. FindByKeys returns every distinct cluster that
// contains any of the given wallets or identifiers; Merge collapses them.
type Store interface {
	Get(ctx context.Context, id string) (*Cluster, error)
	FindByKeys(ctx context.Context, wallets, identifiers []string) ([]*Cluster, error)
	FindByWallet(ctx context.Context, wallet string) (*Cluster, error)
	Save(ctx context.Context, c *Cluster) error
	Merge(ctx context.Context, into *Cluster, absorbed []string) error
	List(ctx context.Context, status Status, limit int) ([]*Cluster, error)
	ListAll(ctx context.Context, limit int) ([]*Cluster, error)
	CountBlocked(ctx context.Context) (int, error)
}
