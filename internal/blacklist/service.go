package blacklist

import (
	"context"
	"time"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/idgen"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/logging"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/metrics"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/validation"
)

// Notifier receives a callback when a wallet gains an active blocked entry.
type Notifier interface {
	WalletBlocked(wallet string, reason string)
}

// Service manages the wallet blacklist.
type Service struct {
	store    Store
	notifier Notifier
}

// NewService creates a blacklist service. notifier may be nil.
func NewService(store Store, notifier Notifier) *Service {
	return &Service{store: store, notifier: notifier}
}

// IsBlocked reports whether a wallet has an active entry at blocked severity.
func (s *Service) IsBlocked(ctx context.Context, wallet string) (bool, error) {
	e, err := s.store.GetActive(ctx, wallet)
	if err == ErrEntryNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Severity == SeverityBlocked, nil
}

// Add creates an active entry for a wallet. Re-adding a wallet that already
// has an active entry is a no-op and returns the existing entry.
func (s *Service) Add(ctx context.Context, wallet string, reason Reason, severity Severity, evidence Evidence, addedBy string) (*Entry, error) {
	if !validation.IsValidWalletAddress(wallet) {
		return nil, ErrInvalidWallet
	}
	if addedBy == "" {
		addedBy = "system"
	}

	e := &Entry{
		ID:        idgen.WithPrefix("bl_"),
		Wallet:    validation.SanitizeAddress(wallet),
		Reason:    reason,
		Severity:  severity,
		Evidence:  evidence,
		Active:    true,
		AddedBy:   addedBy,
		CreatedAt: time.Now(),
	}

	created, err := s.store.Upsert(ctx, e)
	if err != nil {
		return nil, err
	}
	if !created {
		return s.store.GetActive(ctx, wallet)
	}

	logging.L(ctx).Info("wallet blacklisted",
		"wallet", e.Wallet,
		"reason", string(reason),
		"severity", string(severity),
		"addedBy", addedBy)

	s.refreshGauge(ctx)
	if s.notifier != nil && severity == SeverityBlocked {
		s.notifier.WalletBlocked(e.Wallet, string(reason))
	}
	return e, nil
}

// Deactivate lifts a wallet's active entry. Operator action; the row stays
// for audit.
func (s *Service) Deactivate(ctx context.Context, wallet, operator string) error {
	if err := s.store.Deactivate(ctx, wallet); err != nil {
		return err
	}
	logging.L(ctx).Info("blacklist entry deactivated", "wallet", wallet, "operator", operator)
	s.refreshGauge(ctx)
	return nil
}

// Get returns the active entry for a wallet.
func (s *Service) Get(ctx context.Context, wallet string) (*Entry, error) {
	return s.store.GetActive(ctx, wallet)
}

// List returns entries for the operator surface.
func (s *Service) List(ctx context.Context, activeOnly bool, limit int) ([]*Entry, error) {
	return s.store.List(ctx, activeOnly, limit)
}

func (s *Service) refreshGauge(ctx context.Context) {
	if count, err := s.store.CountActive(ctx); err == nil {
		metrics.BlacklistedWallets.Set(float64(count))
	}
}
