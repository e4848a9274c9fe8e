package service

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"vault-service/internal/config"
	"vault-service/internal/encryption"
	"vault-service/internal/hashing"
	"vault-service/internal/model"
	"vault-service/internal/notify"
	"vault-service/internal/repository/scylla"
	"vault-service/internal/util"
)

// ApproveResult reports K-of-N progress after one approval. The sealed
// session key appears only on the approval that crosses the threshold.
type ApproveResult struct {
	Status              model.GroupUnlockStatus `json:"status"`
	Approvals           int                     `json:"approvals"`
	RequiredApprovals   int                     `json:"required_approvals"`
	EncryptedSessionKey string                  `json:"encrypted_session_key,omitempty"`
	UnlockExpiresAt     *time.Time              `json:"unlock_expires_at,omitempty"`
}

// GroupService runs K-of-N threshold unlock for shared group vaults.
type GroupService struct {
	groups   scylla.GroupRepository
	envelope *encryption.Manager
	notifier EventPublisher
	config   *config.Config
}

func NewGroupService(
	groups scylla.GroupRepository,
	envelope *encryption.Manager,
	notifier EventPublisher,
	cfg *config.Config,
) *GroupService {
	return &GroupService{
		groups:   groups,
		envelope: envelope,
		notifier: notifier,
		config:   cfg,
	}
}

// CreateGroupVault provisions the shared container with a fresh master key.
// The master key exists only inside the envelope blob.
func (s *GroupService) CreateGroupVault(ctx context.Context, groupID string, requiredApprovals int) (*model.GroupVault, error) {
	if !util.ValidSubjectID(groupID) {
		return nil, ErrInvalidInput
	}
	if requiredApprovals < 1 {
		return nil, fmt.Errorf("%w: required approvals must be at least 1", ErrInvalidInput)
	}

	existing, err := s.groups.GetGroupVault(groupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if existing != nil {
		return nil, ErrConflict
	}

	masterKey, err := hashing.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer hashing.ZeroBytes(masterKey)

	sealed, err := s.envelope.SealToString(ctx, masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	gv := &model.GroupVault{
		GroupID:            groupID,
		ContainerID:        uuid.New().String(),
		EncryptedVaultBlob: sealed,
		RequiredApprovals:  requiredApprovals,
		Status:             model.GroupVaultActive,
	}
	if err := s.groups.UpsertGroupVault(gv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	gv.EncryptedVaultBlob = ""
	return gv, nil
}

// RequestUnlock opens a K-of-N approval round. A second request while one is
// pending and unexpired returns ErrConflict. RequiredApprovals is snapshotted
// here; later group reconfiguration does not move the bar mid-round.
func (s *GroupService) RequestUnlock(ctx context.Context, groupID, requestedBy, reason string) (*model.GroupUnlockRequest, error) {
	if !util.ValidSubjectID(groupID) || !util.ValidSubjectID(requestedBy) {
		return nil, ErrInvalidInput
	}

	gv, err := s.groups.GetGroupVault(groupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if gv == nil {
		return nil, ErrNotConfigured
	}
	if gv.Status != model.GroupVaultActive {
		return nil, ErrDenied
	}

	now := time.Now().UTC()
	req := &model.GroupUnlockRequest{
		RequestID:         uuid.New().String(),
		GroupID:           groupID,
		RequestedBy:       requestedBy,
		Reason:            reason,
		Status:            model.GroupUnlockPending,
		RequiredApprovals: gv.RequiredApprovals,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.config.Group.RequestTTL),
	}

	created, err := s.groups.CreateUnlockRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !created {
		return nil, ErrConflict
	}

	s.notifier.Publish(ctx, &notify.Event{
		Kind:      notify.EventGroupUnlockOpened,
		SubjectID: groupID,
		Detail: map[string]string{
			"request_id":   req.RequestID,
			"requested_by": requestedBy,
		},
	})

	util.Info("Group unlock requested",
		zap.String("group_id", groupID),
		zap.String("request_id", req.RequestID),
		zap.Int("required_approvals", req.RequiredApprovals))

	return req, nil
}

// Approve records one member's approval. Each member counts once per
// request; the distinct count is recomputed after every insert. Crossing the
// threshold derives the group session key and starts its own expiry clock.
func (s *GroupService) Approve(ctx context.Context, requestID, approverID string) (*ApproveResult, error) {
	if requestID == "" || !util.ValidSubjectID(approverID) {
		return nil, ErrInvalidInput
	}

	req, err := s.groups.GetUnlockRequest(requestID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if req == nil {
		return nil, ErrDenied
	}
	if req.Status != model.GroupUnlockPending {
		if req.Status == model.GroupUnlockExpired {
			return nil, ErrExpired
		}
		return nil, ErrConflict
	}
	if time.Now().UTC().After(req.ExpiresAt) {
		s.expireRequest(ctx, req)
		return nil, ErrExpired
	}

	inserted, err := s.groups.InsertApproval(&model.GroupUnlockApproval{
		RequestID:  requestID,
		ApprovedBy: approverID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !inserted {
		return nil, ErrConflict
	}

	count, err := s.groups.CountApprovals(requestID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	result := &ApproveResult{
		Status:            model.GroupUnlockPending,
		Approvals:         count,
		RequiredApprovals: req.RequiredApprovals,
	}
	if count < req.RequiredApprovals {
		util.Info("Group unlock approval recorded",
			zap.String("request_id", requestID),
			zap.String("approved_by", approverID),
			zap.Int("approvals", count),
			zap.Int("required", req.RequiredApprovals))
		return result, nil
	}

	if err := s.unlockRequest(ctx, req); err != nil {
		return nil, err
	}

	result.Status = model.GroupUnlockUnlocked
	result.EncryptedSessionKey = req.EncryptedSessionKey
	result.UnlockExpiresAt = req.UnlockExpiresAt
	return result, nil
}

func (s *GroupService) unlockRequest(ctx context.Context, req *model.GroupUnlockRequest) error {
	gv, err := s.groups.GetGroupVault(req.GroupID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if gv == nil {
		return ErrNotConfigured
	}

	masterKey, err := s.envelope.OpenFromString(ctx, gv.EncryptedVaultBlob)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer hashing.ZeroBytes(masterKey)

	sessionKey, err := deriveGroupSessionKey(masterKey, req.RequestID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer hashing.ZeroBytes(sessionKey)

	sealed, err := s.envelope.SealToString(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := time.Now().UTC()
	unlockExpiry := now.Add(s.config.Group.UnlockedTTL)
	req.Status = model.GroupUnlockUnlocked
	req.EncryptedSessionKey = sealed
	req.UnlockedAt = &now
	req.UnlockExpiresAt = &unlockExpiry

	if err := s.groups.UpdateUnlockRequest(req); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.groups.ClearPending(req.GroupID, req.RequestID); err != nil {
		util.Warn("Failed to release pending group unlock slot",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}

	s.notifier.Publish(ctx, &notify.Event{
		Kind:      notify.EventGroupUnlocked,
		SubjectID: req.GroupID,
		Detail:    map[string]string{"request_id": req.RequestID},
	})

	util.Info("Group vault unlocked",
		zap.String("group_id", req.GroupID),
		zap.String("request_id", req.RequestID),
		zap.Time("unlock_expires_at", unlockExpiry))

	return nil
}

// Deny terminates a pending request. One denial is final regardless of how
// many approvals had accumulated.
func (s *GroupService) Deny(ctx context.Context, requestID, deniedBy string) error {
	if requestID == "" || !util.ValidSubjectID(deniedBy) {
		return ErrInvalidInput
	}

	req, err := s.groups.GetUnlockRequest(requestID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if req == nil {
		return ErrDenied
	}
	if req.Status != model.GroupUnlockPending {
		return ErrConflict
	}

	req.Status = model.GroupUnlockDenied
	if err := s.groups.UpdateUnlockRequest(req); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.groups.ClearPending(req.GroupID, requestID); err != nil {
		util.Warn("Failed to release pending group unlock slot",
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	util.Info("Group unlock denied",
		zap.String("request_id", requestID),
		zap.String("denied_by", deniedBy))

	return nil
}

// Lock ends an unlocked round before its TTL runs out.
func (s *GroupService) Lock(ctx context.Context, requestID string) error {
	if requestID == "" {
		return ErrInvalidInput
	}

	req, err := s.groups.GetUnlockRequest(requestID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if req == nil {
		return ErrDenied
	}
	if req.Status != model.GroupUnlockUnlocked {
		return ErrConflict
	}
	if req.LockedAt != nil {
		return nil
	}

	now := time.Now().UTC()
	req.LockedAt = &now
	if err := s.groups.UpdateUnlockRequest(req); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.notifier.Publish(ctx, &notify.Event{
		Kind:      notify.EventGroupLocked,
		SubjectID: req.GroupID,
		Detail:    map[string]string{"request_id": requestID},
	})

	util.Info("Group vault locked",
		zap.String("group_id", req.GroupID),
		zap.String("request_id", requestID))

	return nil
}

// DeriveOrAcceptUnsealedKey hands the group session key to the keeper while
// the round is unlocked, not relocked, and inside its TTL.
func (s *GroupService) DeriveOrAcceptUnsealedKey(ctx context.Context, requestID string) ([]byte, error) {
	if requestID == "" {
		return nil, ErrInvalidInput
	}

	req, err := s.groups.GetUnlockRequest(requestID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if req == nil || req.Status != model.GroupUnlockUnlocked {
		return nil, ErrDenied
	}
	if req.LockedAt != nil {
		return nil, ErrDenied
	}
	if req.UnlockExpiresAt == nil || time.Now().UTC().After(*req.UnlockExpiresAt) {
		return nil, ErrExpired
	}

	key, err := s.envelope.OpenFromString(ctx, req.EncryptedSessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return key, nil
}

// ExpireOld transitions every pending request past its deadline. The
// unlocked-state TTL is enforced at read time and needs no sweep.
func (s *GroupService) ExpireOld(ctx context.Context) (int, error) {
	pending, err := s.groups.ListPendingRequests()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := time.Now().UTC()
	expired := 0
	for _, req := range pending {
		if now.After(req.ExpiresAt) {
			s.expireRequest(ctx, req)
			expired++
		}
	}

	if expired > 0 {
		util.Info("Expired stale group unlock requests", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *GroupService) expireRequest(ctx context.Context, req *model.GroupUnlockRequest) {
	req.Status = model.GroupUnlockExpired
	if err := s.groups.UpdateUnlockRequest(req); err != nil {
		util.Error("Failed to expire group unlock request",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return
	}
	if err := s.groups.ClearPending(req.GroupID, req.RequestID); err != nil {
		util.Warn("Failed to release pending group unlock slot",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}
}

// deriveGroupSessionKey expands a per-round key from the group master key so
// the master key itself never leaves the envelope.
func deriveGroupSessionKey(masterKey []byte, requestID string) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, nil, []byte("group unlock session key:"+requestID))
	key := make([]byte, hashing.KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive group session key: %w", err)
	}
	return key, nil
}
