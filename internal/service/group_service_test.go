package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-service/internal/encryption"
	"vault-service/internal/hashing"
	"vault-service/internal/model"
	"vault-service/internal/notify"
)

type groupFixture struct {
	svc      *GroupService
	repo     *fakeGroupRepo
	notifier *fakeNotifier
}

func newGroupFixture(t *testing.T) *groupFixture {
	t.Helper()
	cfg := testConfig()
	repo := newFakeGroupRepo()
	notifier := &fakeNotifier{}
	svc := NewGroupService(repo, encryption.NewManager(cfg, nil), notifier, cfg)
	return &groupFixture{svc: svc, repo: repo, notifier: notifier}
}

func (fx *groupFixture) openRound(t *testing.T, groupID string, k int) *model.GroupUnlockRequest {
	t.Helper()
	_, err := fx.svc.CreateGroupVault(context.Background(), groupID, k)
	require.NoError(t, err, "CreateGroupVault should succeed")
	req, err := fx.svc.RequestUnlock(context.Background(), groupID, "member-1", "quarterly audit")
	require.NoError(t, err, "RequestUnlock should succeed")
	return req
}

func TestGroupService_CreateGroupVault(t *testing.T) {
	fx := newGroupFixture(t)
	ctx := context.Background()

	gv, err := fx.svc.CreateGroupVault(ctx, "group-1", 2)
	require.NoError(t, err)
	assert.Equal(t, model.GroupVaultActive, gv.Status)
	assert.Empty(t, gv.EncryptedVaultBlob, "The sealed master key must not be returned")

	_, err = fx.svc.CreateGroupVault(ctx, "group-1", 3)
	assert.ErrorIs(t, err, ErrConflict, "A group has exactly one vault")

	_, err = fx.svc.CreateGroupVault(ctx, "group-2", 0)
	assert.ErrorIs(t, err, ErrInvalidInput, "Zero required approvals is rejected")
}

func TestGroupService_ThresholdUnlocks(t *testing.T) {
	fx := newGroupFixture(t)
	ctx := context.Background()
	req := fx.openRound(t, "group-1", 2)

	first, err := fx.svc.Approve(ctx, req.RequestID, "member-1")
	require.NoError(t, err, "Requester self-approval counts like any other")
	assert.Equal(t, model.GroupUnlockPending, first.Status)
	assert.Equal(t, 1, first.Approvals)
	assert.Empty(t, first.EncryptedSessionKey, "No key below the threshold")

	second, err := fx.svc.Approve(ctx, req.RequestID, "member-2")
	require.NoError(t, err, "Threshold approval should unlock")
	assert.Equal(t, model.GroupUnlockUnlocked, second.Status)
	assert.Equal(t, 2, second.Approvals)
	assert.NotEmpty(t, second.EncryptedSessionKey, "Crossing the threshold yields the sealed session key")
	require.NotNil(t, second.UnlockExpiresAt)
	assert.True(t, second.UnlockExpiresAt.After(time.Now().UTC()), "Unlock window starts now")
	assert.Contains(t, fx.notifier.kinds(), notify.EventGroupUnlocked)

	key, err := fx.svc.DeriveOrAcceptUnsealedKey(ctx, req.RequestID)
	require.NoError(t, err, "The session key is readable while unlocked")
	assert.Len(t, key, hashing.KeyLength)
}

func TestGroupService_DuplicateApproverConflicts(t *testing.T) {
	fx := newGroupFixture(t)
	ctx := context.Background()
	req := fx.openRound(t, "group-1", 3)

	_, err := fx.svc.Approve(ctx, req.RequestID, "member-1")
	require.NoError(t, err)

	_, err = fx.svc.Approve(ctx, req.RequestID, "member-1")
	assert.ErrorIs(t, err, ErrConflict, "Each member counts once per round")

	progress, err := fx.svc.Approve(ctx, req.RequestID, "member-2")
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Approvals, "The duplicate must not have counted")
}

func TestGroupService_DenyIsTerminal(t *testing.T) {
	fx := newGroupFixture(t)
	ctx := context.Background()
	req := fx.openRound(t, "group-1", 3)

	_, err := fx.svc.Approve(ctx, req.RequestID, "member-1")
	require.NoError(t, err)
	_, err = fx.svc.Approve(ctx, req.RequestID, "member-2")
	require.NoError(t, err)

	require.NoError(t, fx.svc.Deny(ctx, req.RequestID, "member-3"))

	_, err = fx.svc.Approve(ctx, req.RequestID, "member-4")
	assert.ErrorIs(t, err, ErrConflict, "A denied round accepts no further approvals")

	_, err = fx.svc.DeriveOrAcceptUnsealedKey(ctx, req.RequestID)
	assert.ErrorIs(t, err, ErrDenied, "A denied round never yields a key")

	// The slot is free for a new round.
	_, err = fx.svc.RequestUnlock(ctx, "group-1", "member-1", "retry")
	assert.NoError(t, err)
}

func TestGroupService_SecondPendingRequestConflicts(t *testing.T) {
	fx := newGroupFixture(t)
	ctx := context.Background()
	fx.openRound(t, "group-1", 2)

	_, err := fx.svc.RequestUnlock(ctx, "group-1", "member-2", "")
	assert.ErrorIs(t, err, ErrConflict, "Only one pending round per group")
}

func TestGroupService_LockEndsUnlockEarly(t *testing.T) {
	fx := newGroupFixture(t)
	ctx := context.Background()
	req := fx.openRound(t, "group-1", 1)

	_, err := fx.svc.Approve(ctx, req.RequestID, "member-1")
	require.NoError(t, err)

	_, err = fx.svc.DeriveOrAcceptUnsealedKey(ctx, req.RequestID)
	require.NoError(t, err)

	require.NoError(t, fx.svc.Lock(ctx, req.RequestID))
	assert.Contains(t, fx.notifier.kinds(), notify.EventGroupLocked)

	_, err = fx.svc.DeriveOrAcceptUnsealedKey(ctx, req.RequestID)
	assert.ErrorIs(t, err, ErrDenied, "A relocked round yields no key")
}

func TestGroupService_UnlockWindowExpires(t *testing.T) {
	fx := newGroupFixture(t)
	ctx := context.Background()
	req := fx.openRound(t, "group-1", 1)

	_, err := fx.svc.Approve(ctx, req.RequestID, "member-1")
	require.NoError(t, err)

	// Age the unlock window out.
	fx.repo.mu.Lock()
	past := time.Now().UTC().Add(-time.Second)
	fx.repo.requests[req.RequestID].UnlockExpiresAt = &past
	fx.repo.mu.Unlock()

	_, err = fx.svc.DeriveOrAcceptUnsealedKey(ctx, req.RequestID)
	assert.ErrorIs(t, err, ErrExpired, "The unlock window is enforced at read time")
}

func TestGroupService_ExpiredRoundRejectsApprovals(t *testing.T) {
	fx := newGroupFixture(t)
	ctx := context.Background()
	req := fx.openRound(t, "group-1", 2)

	fx.repo.mu.Lock()
	fx.repo.requests[req.RequestID].ExpiresAt = time.Now().UTC().Add(-time.Minute)
	fx.repo.mu.Unlock()

	_, err := fx.svc.Approve(ctx, req.RequestID, "member-1")
	assert.ErrorIs(t, err, ErrExpired, "Approvals after the deadline are rejected")

	// The expired round released its slot.
	_, err = fx.svc.RequestUnlock(ctx, "group-1", "member-1", "")
	assert.NoError(t, err)
}

func TestGroupService_SessionKeyDiffersPerRound(t *testing.T) {
	fx := newGroupFixture(t)
	ctx := context.Background()
	req1 := fx.openRound(t, "group-1", 1)

	_, err := fx.svc.Approve(ctx, req1.RequestID, "member-1")
	require.NoError(t, err)
	key1, err := fx.svc.DeriveOrAcceptUnsealedKey(ctx, req1.RequestID)
	require.NoError(t, err)

	require.NoError(t, fx.svc.Lock(ctx, req1.RequestID))

	req2, err := fx.svc.RequestUnlock(ctx, "group-1", "member-1", "")
	require.NoError(t, err)
	_, err = fx.svc.Approve(ctx, req2.RequestID, "member-1")
	require.NoError(t, err)
	key2, err := fx.svc.DeriveOrAcceptUnsealedKey(ctx, req2.RequestID)
	require.NoError(t, err)

	assert.NotEqual(t, key1, key2, "Each round derives its own session key")
}

func TestGroupService_RequestUnlockNeedsVault(t *testing.T) {
	fx := newGroupFixture(t)

	_, err := fx.svc.RequestUnlock(context.Background(), "group-x", "member-1", "")
	assert.ErrorIs(t, err, ErrNotConfigured, "No vault means no unlock round")
}
