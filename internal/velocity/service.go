package velocity

import (
	"context"
	"time"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/logging"
)

// Tracker records events and evaluates rates and timing anomalies.
type Tracker struct {
	store Store
	now   func() time.Time

	// completionFloor is the fraction of a course's expected duration below
	// which a completion is implausibly fast.
	completionFloor float64
}

// Option configures the tracker.
type Option func(*Tracker)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a velocity tracker. completionFloor must be in (0, 1);
// out-of-range values fall back to 0.25.
func NewTracker(store Store, completionFloor float64, opts ...Option) *Tracker {
	if completionFloor <= 0 || completionFloor >= 1 {
		completionFloor = 0.25
	}
	t := &Tracker{
		store:           store,
		now:             time.Now,
		completionFloor: completionFloor,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends an event. Recording never fails the caller's request; store
// errors are logged and swallowed.
func (t *Tracker) Record(ctx context.Context, identifier string, idType IdentifierType, evType EventType, payload map[string]interface{}) {
	e := &Event{
		Identifier:     identifier,
		IdentifierType: idType,
		EventType:      evType,
		Payload:        payload,
		CreatedAt:      t.now(),
	}
	if err := t.store.Insert(ctx, e); err != nil {
		logging.L(ctx).Warn("velocity event dropped",
			"identifier", identifier,
			"eventType", string(evType),
			"error", err)
	}
}

// RecordEvent adapts Record to the string-typed interface used by the reward
// service.
func (t *Tracker) RecordEvent(ctx context.Context, identifier, identifierType, eventType string, payload map[string]interface{}) {
	t.Record(ctx, identifier, IdentifierType(identifierType), EventType(eventType), payload)
}

// Rate returns how many events of evType the identifier produced in the
// trailing window.
func (t *Tracker) Rate(ctx context.Context, identifier string, evType EventType, window time.Duration) (int, error) {
	if window <= 0 {
		return 0, ErrInvalidWindow
	}
	return t.store.CountSince(ctx, identifier, evType, t.now().Add(-window))
}

// CompletionTooFast reports whether a course completion took implausibly
// little time: elapsed under the configured fraction of the expected
// duration. Unknown expected durations are never flagged.
func (t *Tracker) CompletionTooFast(elapsed, expected time.Duration) bool {
	if expected <= 0 || elapsed < 0 {
		return false
	}
	floor := time.Duration(float64(expected) * t.completionFloor)
	return elapsed < floor
}

// Prune removes events older than the retention cutoff.
func (t *Tracker) Prune(ctx context.Context, retention time.Duration) (int, error) {
	return t.store.Prune(ctx, t.now().Add(-retention))
}
