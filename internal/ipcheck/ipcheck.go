// Package ipcheck scores IP addresses and device fingerprints against an
// external fraud oracle and caches the results.
//
// Oracle lookups are expensive and rate-limited, so every verdict is cached
// with a TTL. When the oracle is unreachable the engine fails closed: a stale
// but non-expired cache entry is preferred, and with no cache at all the
// identifier is treated as high risk.
package ipcheck

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSignalNotFound    = errors.New("risk signal not found")
	ErrOracleUnavailable = errors.New("risk oracle unavailable")
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// Tier buckets a fraud score into an actionable risk level.
type Tier string

const (
	TierLow     Tier = "low"
	TierMedium  Tier = "medium"
	TierHigh    Tier = "high"
	TierBlocked Tier = "blocked"
)

// Score thresholds for tier assignment.
const (
	BlockedThreshold = 90
	HighThreshold    = 70
	MediumThreshold  = 40
)

// Signal is a cached risk verdict for an IP address or device fingerprint.
type Signal struct {
	Identifier string    `json:"identifier"`
	FraudScore int       `json:"fraudScore"` // 0-100
	VPN        bool      `json:"vpn"`
	Tor        bool      `json:"tor"`
	Proxy      bool      `json:"proxy"`
	Bot        bool      `json:"bot"`
	Datacenter bool      `json:"datacenter"`
	Tier       Tier      `json:"tier"`
	Country    string    `json:"country,omitempty"`
	ISP        string    `json:"isp,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the cached verdict's TTL has passed.
func (s *Signal) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// DeriveTier computes the tier from the score and flags. Tor exit nodes and
// bots are blocked outright regardless of score.
func DeriveTier(score int, tor, bot bool) Tier {
	if tor || bot {
		return TierBlocked
	}
	switch {
	case score >= BlockedThreshold:
		return TierBlocked
	case score >= HighThreshold:
		return TierHigh
	case score >= MediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// Store persists risk signals.
type Store interface {
	Get(ctx context.Context, identifier string) (*Signal, error)
	Put(ctx context.Context, s *Signal) error
	ListSuspicious(ctx context.Context, limit int) ([]*Signal, error)
	Stats(ctx context.Context) (map[string]int, error)
	DeleteExpired(ctx context.Context, olderThan time.Time) (int, error)
}

// Oracle answers fraud lookups for an identifier.
type Oracle interface {
	Lookup(ctx context.Context, identifier string) (*Signal, error)
}
