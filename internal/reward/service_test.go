package reward

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/blacklist"
)

const testWallet = "0x1234567890abcdef1234567890abcdef12345678"

type recordedEvent struct {
	identifier     string
	identifierType string
	eventType      string
}

type fakeVelocity struct {
	events  []recordedEvent
	tooFast bool
}

func (f *fakeVelocity) RecordEvent(ctx context.Context, identifier, identifierType, eventType string, payload map[string]interface{}) {
	f.events = append(f.events, recordedEvent{identifier, identifierType, eventType})
}

func (f *fakeVelocity) CompletionTooFast(elapsed, expected time.Duration) bool {
	return f.tooFast
}

type fakeObserver struct {
	observed [][4]string
}

func (f *fakeObserver) Observe(ctx context.Context, wallet, fingerprint, ip, amount string) error {
	f.observed = append(f.observed, [4]string{wallet, fingerprint, ip, amount})
	return nil
}

type fakeFlagger struct {
	flags []blacklist.Reason
}

func (f *fakeFlagger) Add(ctx context.Context, wallet string, reason blacklist.Reason, severity blacklist.Severity, evidence blacklist.Evidence, addedBy string) (*blacklist.Entry, error) {
	f.flags = append(f.flags, reason)
	return &blacklist.Entry{Wallet: wallet, Reason: reason, Severity: severity}, nil
}

func TestCreate_CapturesClaimSignals(t *testing.T) {
	vel := &fakeVelocity{}
	obs := &fakeObserver{}
	svc := NewService(NewMemoryStore(), vel, obs)

	r, err := svc.Create(context.Background(), ClaimRequest{
		Wallet:            testWallet,
		CourseID:          "course-101",
		Amount:            "500",
		DeviceFingerprint: "fp_abc12345",
		CompletionSeconds: 3600,
	}, "203.0.113.9")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, TypeCourseCompletion, r.Type)
	assert.Equal(t, "500", r.Amount)
	assert.Equal(t, "203.0.113.9", r.IPAddress)

	// Velocity events for wallet, ip and device
	require.Len(t, vel.events, 3)
	assert.Equal(t, "wallet", vel.events[0].identifierType)
	assert.Equal(t, "ip", vel.events[1].identifierType)
	assert.Equal(t, "device", vel.events[2].identifierType)
	for _, ev := range vel.events {
		assert.Equal(t, "reward_claimed", ev.eventType)
	}

	// Cluster linkage observed once, with the claimed amount
	require.Len(t, obs.observed, 1)
	assert.Equal(t, "fp_abc12345", obs.observed[0][1])
	assert.Equal(t, "500", obs.observed[0][3])
}

func TestCreate_FlagsImplausiblyFastCompletion(t *testing.T) {
	vel := &fakeVelocity{tooFast: true}
	flagger := &fakeFlagger{}
	svc := NewService(NewMemoryStore(), vel, nil).WithAbuseFlagger(flagger)

	r, err := svc.Create(context.Background(), ClaimRequest{
		Wallet:            testWallet,
		CourseID:          "course-101",
		Amount:            "500",
		CompletionSeconds: 30,
		ExpectedSeconds:   3600,
	}, "203.0.113.9")
	require.NoError(t, err)

	// The claim still lands as pending; enforcement is review-side.
	assert.Equal(t, StatusPending, r.Status)

	require.Len(t, flagger.flags, 1)
	assert.Equal(t, blacklist.ReasonVelocityAbuse, flagger.flags[0])

	var anomalies int
	for _, ev := range vel.events {
		if ev.eventType == "completion_anomaly" {
			anomalies++
		}
	}
	assert.Equal(t, 1, anomalies)
}

func TestCreate_UnknownExpectedDurationNeverFlagged(t *testing.T) {
	vel := &fakeVelocity{tooFast: true}
	flagger := &fakeFlagger{}
	svc := NewService(NewMemoryStore(), vel, nil).WithAbuseFlagger(flagger)

	_, err := svc.Create(context.Background(), ClaimRequest{
		Wallet:            testWallet,
		CourseID:          "course-101",
		Amount:            "500",
		CompletionSeconds: 5,
	}, "203.0.113.9")
	require.NoError(t, err)

	assert.Empty(t, flagger.flags)
	for _, ev := range vel.events {
		assert.NotEqual(t, "completion_anomaly", ev.eventType)
	}
}

func TestCreate_RejectsDuplicateSignal(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)

	req := ClaimRequest{Wallet: testWallet, CourseID: "course-101", Amount: "10"}
	_, err := svc.Create(context.Background(), req, "")
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), req, "")
	assert.ErrorIs(t, err, ErrDuplicateSignal)
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)

	_, err := svc.Create(context.Background(), ClaimRequest{
		Wallet: "not-an-address", CourseID: "c1", Amount: "10",
	}, "")
	assert.ErrorIs(t, err, ErrInvalidWallet)

	_, err = svc.Create(context.Background(), ClaimRequest{
		Wallet: testWallet, CourseID: "c1", Amount: "-10",
	}, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Create(context.Background(), ClaimRequest{
		Wallet: testWallet, CourseID: "c1", Amount: "10", Type: "lottery",
	}, "")
	assert.Error(t, err)
}

func TestTransitions(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)

	r, err := svc.Create(context.Background(), ClaimRequest{
		Wallet: testWallet, CourseID: "c1", Amount: "10",
	}, "")
	require.NoError(t, err)

	require.NoError(t, svc.MarkProcessing(context.Background(), r.ID, "pay_123"))
	got, err := svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, "pay_123", got.PayoutTxID)

	// Processing is not re-enterable; only pending and failed rewards move
	// into processing.
	err = svc.MarkProcessing(context.Background(), r.ID, "pay_456")
	assert.ErrorIs(t, err, ErrNotPending)

	require.NoError(t, svc.MarkCompleted(context.Background(), r.ID))

	// Completed is final
	err = svc.MarkFailed(context.Background(), r.ID)
	assert.ErrorIs(t, err, ErrAlreadyFinal)
	err = svc.MarkProcessing(context.Background(), r.ID, "pay_789")
	assert.ErrorIs(t, err, ErrAlreadyFinal)
}

func TestMarkDenied_RecordsReason(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)

	r, err := svc.Create(context.Background(), ClaimRequest{
		Wallet: testWallet, CourseID: "c1", Amount: "10",
	}, "")
	require.NoError(t, err)

	require.NoError(t, svc.MarkDenied(context.Background(), r.ID, "risk_blocked"))

	got, err := svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, got.Status)
	assert.Equal(t, "risk_blocked", got.DenialReason)
}

func TestListPending(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)

	r1, err := svc.Create(context.Background(), ClaimRequest{
		Wallet: testWallet, CourseID: "c1", Amount: "10",
	}, "")
	require.NoError(t, err)

	r2, err := svc.Create(context.Background(), ClaimRequest{
		Wallet: testWallet, CourseID: "c2", Amount: "20",
	}, "")
	require.NoError(t, err)

	require.NoError(t, svc.MarkProcessing(context.Background(), r2.ID, "pay_1"))

	pending, err := svc.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, r1.ID, pending[0].ID)
}
