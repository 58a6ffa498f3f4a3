package ipcheck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/logging"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/metrics"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/syncutil"
)

// Service answers risk questions about identifiers, consulting the cache
// before the oracle.
type Service struct {
	store  Store
	oracle Oracle
	ttl    time.Duration
	maxAge time.Duration
	now    func() time.Time

	// Per-identifier single flight so N concurrent misses for the same
	// identifier make exactly one oracle call.
	inflight syncutil.KeyedMutex
}

// Option configures the service.
type Option func(*Service)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a risk-signal service. ttl is how long a verdict stays
// fresh; maxAge is the hard ceiling past which a cached row is never served,
// even as a fallback.
func NewService(store Store, oracle Oracle, ttl, maxAge time.Duration, opts ...Option) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	s := &Service{
		store:  store,
		oracle: oracle,
		ttl:    ttl,
		maxAge: maxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score returns the risk signal for an identifier. A fresh cache entry is
// returned without touching the oracle. On a miss the oracle is consulted
// and the verdict cached. If the oracle fails, a non-expired cached row is
// used; failing that the identifier is scored as high risk (fail closed)
// without poisoning the cache.
func (s *Service) Score(ctx context.Context, identifier string) (*Signal, error) {
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}

	unlock, err := s.inflight.Lock(ctx, identifier)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()

	cached, err := s.store.Get(ctx, identifier)
	if err == nil && !cached.Expired(now) && now.Sub(cached.CheckedAt) < s.maxAge {
		metrics.OracleLookupsTotal.WithLabelValues("hit").Inc()
		return cached, nil
	}
	if err != nil && !errors.Is(err, ErrSignalNotFound) {
		return nil, fmt.Errorf("risk cache read: %w", err)
	}

	fresh, lookupErr := s.oracle.Lookup(ctx, identifier)
	if lookupErr != nil {
		metrics.OracleLookupsTotal.WithLabelValues("error").Inc()
		log := logging.L(ctx)

		// Degrade to the stale row if it has not aged out entirely.
		if cached != nil && now.Sub(cached.CheckedAt) < s.maxAge {
			log.Warn("risk oracle unavailable, serving stale verdict",
				"identifier", identifier,
				"age", now.Sub(cached.CheckedAt).String())
			return cached, nil
		}

		// Fail closed. The synthetic verdict is not cached so a recovered
		// oracle is consulted on the next request.
		log.Error("risk oracle unavailable with no usable cache, failing closed",
			"identifier", identifier, "error", lookupErr)
		return &Signal{
			Identifier: identifier,
			FraudScore: HighThreshold,
			Tier:       TierHigh,
			CheckedAt:  now,
			ExpiresAt:  now,
		}, nil
	}

	metrics.OracleLookupsTotal.WithLabelValues("miss").Inc()
	fresh.CheckedAt = now
	fresh.ExpiresAt = now.Add(s.ttl)
	if err := s.store.Put(ctx, fresh); err != nil {
		logging.L(ctx).Warn("risk cache write failed", "identifier", identifier, "error", err)
	}
	return fresh, nil
}

// Refresh forces an oracle lookup, bypassing the cache. Operator path.
func (s *Service) Refresh(ctx context.Context, identifier string) (*Signal, error) {
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}

	unlock, err := s.inflight.Lock(ctx, identifier)
	if err != nil {
		return nil, err
	}
	defer unlock()

	fresh, err := s.oracle.Lookup(ctx, identifier)
	if err != nil {
		metrics.OracleLookupsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	now := s.now()
	metrics.OracleLookupsTotal.WithLabelValues("miss").Inc()
	fresh.CheckedAt = now
	fresh.ExpiresAt = now.Add(s.ttl)
	if err := s.store.Put(ctx, fresh); err != nil {
		return nil, fmt.Errorf("risk cache write: %w", err)
	}
	return fresh, nil
}

// Cached returns the cached signal without consulting the oracle.
func (s *Service) Cached(ctx context.Context, identifier string) (*Signal, error) {
	return s.store.Get(ctx, identifier)
}

// ListSuspicious returns cached signals at tier high or blocked.
func (s *Service) ListSuspicious(ctx context.Context, limit int) ([]*Signal, error) {
	return s.store.ListSuspicious(ctx, limit)
}

// Stats returns aggregate counts by tier.
func (s *Service) Stats(ctx context.Context) (map[string]int, error) {
	return s.store.Stats(ctx)
}

// PruneExpired removes rows older than the hard cache ceiling.
func (s *Service) PruneExpired(ctx context.Context) (int, error) {
	return s.store.DeleteExpired(ctx, s.now().Add(-s.maxAge))
}
