// Package reward tracks BMT rewards earned by learners on the platform.
//
// A reward is created when a course completion (or quiz/referral) signal
// arrives, and moves through pending -> processing -> completed as the payout
// engine pays it out. The amount is fixed at creation and never changes.
package reward

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRewardNotFound  = errors.New("reward not found")
	ErrInvalidAmount   = errors.New("invalid reward amount")
	ErrInvalidWallet   = errors.New("invalid wallet address")
	ErrAlreadyFinal    = errors.New("reward is already in a final state")
	ErrNotPending      = errors.New("reward is not pending")
	ErrDuplicateSignal = errors.New("completion signal already rewarded")
)

// Status represents the state of a reward.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDenied     Status = "denied"
)

// Type classifies how the reward was earned.
type Type string

const (
	TypeCourseCompletion Type = "course_completion"
	TypeQuizBonus        Type = "quiz_bonus"
	TypeReferral         Type = "referral"
)

// Reward represents BMT owed to a learner for a platform event.
// Amount is a human-readable BMT string and is immutable after creation.
type Reward struct {
	ID                string    `json:"id"`
	Wallet            string    `json:"wallet"`
	CourseID          string    `json:"courseId,omitempty"`
	Type              Type      `json:"type"`
	Amount            string    `json:"amount"`
	Status            Status    `json:"status"`
	IPAddress         string    `json:"-"`
	DeviceFingerprint string    `json:"-"`
	CompletionSeconds int64     `json:"completionSeconds,omitempty"`
	DenialReason      string    `json:"denialReason,omitempty"`
	PayoutTxID        string    `json:"payoutTxId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// ClaimRequest is the body for reporting a completed course.
type ClaimRequest struct {
	Wallet            string `json:"wallet" binding:"required"`
	CourseID          string `json:"courseId" binding:"required"`
	Type              string `json:"type"`
	Amount            string `json:"amount" binding:"required"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	CompletionSeconds int64  `json:"completionSeconds"`
	// ExpectedSeconds is the course's nominal duration as reported by the
	// completion source. Zero means unknown; timing checks are skipped.
	ExpectedSeconds int64 `json:"expectedSeconds"`
}

// Store persists rewards.
type Store interface {
	Create(ctx context.Context, r *Reward) error
	Get(ctx context.Context, id string) (*Reward, error)
	GetByCourseAndWallet(ctx context.Context, courseID, wallet string) (*Reward, error)
	Update(ctx context.Context, r *Reward) error
	ListByWallet(ctx context.Context, wallet string, limit int) ([]*Reward, error)
	ListPending(ctx context.Context, limit int) ([]*Reward, error)
}
