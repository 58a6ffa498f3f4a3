// Package velocity keeps an append-only log of abuse-relevant events and
// answers rate questions over trailing windows.
//
// Events are recorded per identifier (wallet address, IP, or device
// fingerprint). The payout engine and cluster detector query rates like
// "reward claims from this IP in the last hour" to spot farming patterns.
package velocity

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidWindow = errors.New("velocity: window must be positive")

// IdentifierType classifies what an event is keyed on.
type IdentifierType string

const (
	IdentifierWallet IdentifierType = "wallet"
	IdentifierIP     IdentifierType = "ip"
	IdentifierDevice IdentifierType = "device"
)

// EventType classifies what happened.
type EventType string

const (
	EventWalletCreated   EventType = "wallet_created"
	EventCourseCompleted EventType = "course_completed"
	EventRewardClaimed   EventType = "reward_claimed"
	EventPayoutRequested EventType = "payout_requested"

	// EventCompletionAnomaly marks a completion reported far under the
	// course's nominal duration.
	EventCompletionAnomaly EventType = "completion_anomaly"
)

// Event is one append-only log entry.
type Event struct {
	ID             int64                  `json:"id"`
	Identifier     string                 `json:"identifier"`
	IdentifierType IdentifierType         `json:"identifierType"`
	EventType      EventType              `json:"eventType"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// Store persists velocity events.
type Store interface {
	Insert(ctx context.Context, e *Event) error
	CountSince(ctx context.Context, identifier string, eventType EventType, since time.Time) (int, error)
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}
