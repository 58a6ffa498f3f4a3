package blacklist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "0x1234567890abcdef1234567890abcdef12345678"

type fakeNotifier struct {
	blocked []string
}

func (f *fakeNotifier) WalletBlocked(wallet, reason string) {
	f.blocked = append(f.blocked, wallet)
}

func TestAdd_Idempotent(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	first, err := svc.Add(ctx, testWallet, ReasonSybilAttack, SeverityBlocked, Evidence{}, "")
	require.NoError(t, err)

	second, err := svc.Add(ctx, testWallet, ReasonVelocityAbuse, SeverityBlocked, Evidence{}, "")
	require.NoError(t, err)

	// The original entry is retained untouched
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, ReasonSybilAttack, second.Reason)
}

func TestIsBlocked(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	blocked, err := svc.IsBlocked(ctx, testWallet)
	require.NoError(t, err)
	assert.False(t, blocked)

	_, err = svc.Add(ctx, testWallet, ReasonManual, SeverityBlocked, Evidence{}, "ops")
	require.NoError(t, err)

	blocked, err = svc.IsBlocked(ctx, testWallet)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestIsBlocked_FlaggedDoesNotDeny(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := svc.Add(ctx, testWallet, ReasonLinkedToSink, SeverityFlagged, Evidence{}, "")
	require.NoError(t, err)

	blocked, err := svc.IsBlocked(ctx, testWallet)
	require.NoError(t, err)
	assert.False(t, blocked, "flagged severity must not deny payouts")
}

func TestDeactivate_KeepsHistoryAndAllowsReAdd(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := svc.Add(ctx, testWallet, ReasonManual, SeverityBlocked, Evidence{}, "ops")
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, testWallet, "ops"))

	blocked, err := svc.IsBlocked(ctx, testWallet)
	require.NoError(t, err)
	assert.False(t, blocked)

	// Wallet can be blacklisted again after deactivation
	entry, err := svc.Add(ctx, testWallet, ReasonSybilAttack, SeverityBlocked, Evidence{}, "")
	require.NoError(t, err)
	assert.Equal(t, ReasonSybilAttack, entry.Reason)
}

func TestDeactivate_NotFound(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	err := svc.Deactivate(context.Background(), testWallet, "ops")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestAdd_NotifiesOnBlock(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := NewService(NewMemoryStore(), notifier)
	ctx := context.Background()

	_, err := svc.Add(ctx, testWallet, ReasonSybilAttack, SeverityBlocked, Evidence{}, "")
	require.NoError(t, err)
	require.Len(t, notifier.blocked, 1)

	// Idempotent re-add must not notify again
	_, err = svc.Add(ctx, testWallet, ReasonSybilAttack, SeverityBlocked, Evidence{}, "")
	require.NoError(t, err)
	assert.Len(t, notifier.blocked, 1)

	// Flagged severity does not notify
	other := "0xabcdef1234567890abcdef1234567890abcdef12"
	_, err = svc.Add(ctx, other, ReasonLinkedToSink, SeverityFlagged, Evidence{}, "")
	require.NoError(t, err)
	assert.Len(t, notifier.blocked, 1)
}

func TestAdd_InvalidWallet(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	_, err := svc.Add(context.Background(), "nope", ReasonManual, SeverityBlocked, Evidence{}, "")
	assert.ErrorIs(t, err, ErrInvalidWallet)
}
