package reward

import (
	"context"
	"fmt"
	"time"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/blacklist"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/idgen"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/logging"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/validation"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/wallet"
)

// VelocityRecorder captures abuse-signal events at claim time and answers
// completion timing questions.
type VelocityRecorder interface {
	RecordEvent(ctx context.Context, identifier, identifierType, eventType string, payload map[string]interface{})
	CompletionTooFast(elapsed, expected time.Duration) bool
}

// ClusterObserver links wallets to device fingerprints and IPs and books the
// claimed amount against the cluster.
type ClusterObserver interface {
	Observe(ctx context.Context, walletAddr, fingerprint, ip, amount string) error
}

// AbuseFlagger marks a wallet for review when a claim trips an anomaly
// check. Flagged wallets keep claiming; enforcement stays with the operator
// and the cluster cascade.
type AbuseFlagger interface {
	Add(ctx context.Context, wallet string, reason blacklist.Reason, severity blacklist.Severity, evidence blacklist.Evidence, addedBy string) (*blacklist.Entry, error)
}

// Service manages reward creation and lifecycle.
type Service struct {
	store    Store
	velocity VelocityRecorder
	clusters ClusterObserver
	flagger  AbuseFlagger
}

// NewService creates a reward service. velocity and clusters may be nil in
// tests; production wiring always provides both.
func NewService(store Store, velocity VelocityRecorder, clusters ClusterObserver) *Service {
	return &Service{store: store, velocity: velocity, clusters: clusters}
}

// WithAbuseFlagger adds the blacklist hook for claim-time anomalies.
func (s *Service) WithAbuseFlagger(f AbuseFlagger) *Service {
	s.flagger = f
	return s
}

// Create records a reward for a completion signal. The claimer's IP and
// device fingerprint are captured here and feed the velocity and cluster
// trackers. Duplicate signals for the same course and wallet are rejected.
func (s *Service) Create(ctx context.Context, req ClaimRequest, clientIP string) (*Reward, error) {
	if !validation.IsValidWalletAddress(req.Wallet) {
		return nil, ErrInvalidWallet
	}
	if _, err := wallet.ParseBMT(req.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	rewardType := Type(req.Type)
	switch rewardType {
	case TypeCourseCompletion, TypeQuizBonus, TypeReferral:
	case "":
		rewardType = TypeCourseCompletion
	default:
		return nil, fmt.Errorf("unknown reward type %q", req.Type)
	}

	now := time.Now()
	r := &Reward{
		ID:                idgen.WithPrefix("rwd_"),
		Wallet:            validation.SanitizeAddress(req.Wallet),
		CourseID:          req.CourseID,
		Type:              rewardType,
		Amount:            req.Amount,
		Status:            StatusPending,
		IPAddress:         clientIP,
		DeviceFingerprint: req.DeviceFingerprint,
		CompletionSeconds: req.CompletionSeconds,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}

	log := logging.L(ctx)
	log.Info("reward created",
		"rewardId", r.ID,
		"wallet", r.Wallet,
		"courseId", r.CourseID,
		"amount", r.Amount,
		"type", string(r.Type))

	if s.velocity != nil {
		payload := map[string]interface{}{
			"rewardId": r.ID,
			"courseId": r.CourseID,
			"amount":   r.Amount,
		}
		s.velocity.RecordEvent(ctx, r.Wallet, "wallet", "reward_claimed", payload)
		if clientIP != "" {
			s.velocity.RecordEvent(ctx, clientIP, "ip", "reward_claimed", payload)
		}
		if r.DeviceFingerprint != "" {
			s.velocity.RecordEvent(ctx, r.DeviceFingerprint, "device", "reward_claimed", payload)
		}

		// A completion far under the course's nominal duration is a bot
		// signature. The claim still lands; the wallet is flagged so the
		// payout review and cluster scoring see it.
		if req.ExpectedSeconds > 0 && s.velocity.CompletionTooFast(
			time.Duration(req.CompletionSeconds)*time.Second,
			time.Duration(req.ExpectedSeconds)*time.Second) {
			log.Warn("completion time anomaly",
				"rewardId", r.ID,
				"wallet", r.Wallet,
				"completionSeconds", req.CompletionSeconds,
				"expectedSeconds", req.ExpectedSeconds)
			s.velocity.RecordEvent(ctx, r.Wallet, "wallet", "completion_anomaly", payload)
			if s.flagger != nil {
				evidence := blacklist.Evidence{
					Note: fmt.Sprintf("course %s completed in %ds, expected %ds",
						r.CourseID, req.CompletionSeconds, req.ExpectedSeconds),
				}
				if _, fErr := s.flagger.Add(ctx, r.Wallet, blacklist.ReasonVelocityAbuse,
					blacklist.SeverityFlagged, evidence, "system"); fErr != nil {
					log.Warn("flag wallet failed", "rewardId", r.ID, "error", fErr)
				}
			}
		}
	}

	if s.clusters != nil && (r.DeviceFingerprint != "" || clientIP != "") {
		if err := s.clusters.Observe(ctx, r.Wallet, r.DeviceFingerprint, clientIP, r.Amount); err != nil {
			log.Warn("cluster observation failed", "rewardId", r.ID, "error", err)
		}
	}

	return r, nil
}

// Get returns a reward by ID.
func (s *Service) Get(ctx context.Context, id string) (*Reward, error) {
	return s.store.Get(ctx, id)
}

// ListByWallet returns rewards for a wallet.
func (s *Service) ListByWallet(ctx context.Context, walletAddr string, limit int) ([]*Reward, error) {
	return s.store.ListByWallet(ctx, walletAddr, limit)
}

// ListPending returns rewards awaiting payout.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Reward, error) {
	return s.store.ListPending(ctx, limit)
}

// MarkProcessing moves a pending or failed reward into processing with its
// payout transaction reference. Any other current status means the caller's
// read is stale and the attempt must not proceed.
func (s *Service) MarkProcessing(ctx context.Context, id, payoutTxID string) error {
	return s.transition(ctx, id, StatusProcessing, "", payoutTxID, StatusPending, StatusFailed)
}

// MarkCompleted finalizes a reward after its payout confirmed.
func (s *Service) MarkCompleted(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusCompleted, "", "")
}

// MarkFailed returns a reward to failed after an exhausted payout.
func (s *Service) MarkFailed(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusFailed, "", "")
}

// MarkPending resets a failed or processing reward so it can be retried.
func (s *Service) MarkPending(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusPending, "", "")
}

// MarkDenied records an admission denial with its reason code.
func (s *Service) MarkDenied(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, StatusDenied, reason, "")
}

func (s *Service) transition(ctx context.Context, id string, to Status, denialReason, payoutTxID string, from ...Status) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if r.Status == StatusCompleted {
		return ErrAlreadyFinal
	}
	if len(from) > 0 && !statusIn(r.Status, from) {
		return fmt.Errorf("%w: reward is %s", ErrNotPending, r.Status)
	}

	r.Status = to
	if denialReason != "" {
		r.DenialReason = denialReason
	}
	if payoutTxID != "" {
		r.PayoutTxID = payoutTxID
	}
	return s.store.Update(ctx, r)
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
