package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vault-service/internal/config"
	"vault-service/internal/encryption"
	"vault-service/internal/hashing"
	"vault-service/internal/model"
	"vault-service/internal/notify"
	"vault-service/internal/repository/scylla"
	"vault-service/internal/util"
)

// EnrollResult carries the raw device key exactly once. It is never stored
// or returned again; the keeper keeps only the envelope-encrypted copy.
type EnrollResult struct {
	DeviceKey         string `json:"device_key"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

// DeviceService manages device-bound unlock credentials backed by platform
// authenticators.
type DeviceService struct {
	devices     scylla.DeviceKeyRepository
	revocations scylla.RevocationRepository
	attempts    AttemptCounter
	envelope    *encryption.Manager
	unlock      *UnlockService
	notifier    EventPublisher
	config      *config.Config
}

func NewDeviceService(
	devices scylla.DeviceKeyRepository,
	revocations scylla.RevocationRepository,
	attempts AttemptCounter,
	envelope *encryption.Manager,
	unlock *UnlockService,
	notifier EventPublisher,
	cfg *config.Config,
) *DeviceService {
	return &DeviceService{
		devices:     devices,
		revocations: revocations,
		attempts:    attempts,
		envelope:    envelope,
		unlock:      unlock,
		notifier:    notifier,
		config:      cfg,
	}
}

// Enroll mints a fresh device key for (user, fingerprint) and returns it to
// the caller once. Re-enrolling a fingerprint replaces the previous key.
func (s *DeviceService) Enroll(ctx context.Context, userID, fingerprint, deviceName, credentialID, publicKey string) (*EnrollResult, error) {
	if !util.ValidSubjectID(userID) || fingerprint == "" {
		return nil, ErrInvalidInput
	}

	rawKey, err := hashing.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer hashing.ZeroBytes(rawKey)

	sealed, err := s.envelope.SealToString(ctx, rawKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	dk := &model.DeviceKey{
		UserID:               userID,
		DeviceFingerprint:    fingerprint,
		DeviceName:           deviceName,
		EncryptedDeviceKey:   sealed,
		WebauthnCredentialID: credentialID,
		WebauthnPublicKey:    publicKey,
		WebauthnCounter:      0,
		NeedsReenroll:        false,
	}
	if err := s.devices.CreateDeviceKey(dk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := s.attempts.ResetFailures(userID, fingerprint); err != nil {
		util.Warn("Failed to reset device failure counter after enroll",
			zap.String("user_id", userID),
			zap.Error(err))
	}

	s.notifier.Publish(ctx, &notify.Event{
		Kind:      notify.EventDeviceEnrolled,
		SubjectID: userID,
		Detail:    map[string]string{"device_name": deviceName},
	})

	return &EnrollResult{
		DeviceKey:         hashing.EncodeB64(rawKey),
		DeviceFingerprint: fingerprint,
	}, nil
}

// UnlockWithDevice checks the presented device key against the stored copy
// and promotes the subject into a normal unlock session. Three consecutive
// mismatches flag the device for re-enrollment.
func (s *DeviceService) UnlockWithDevice(ctx context.Context, userID, fingerprint, deviceKeyB64 string, counter uint32, capabilityID string, kind model.VaultKind) (*UnlockResult, error) {
	if !util.ValidSubjectID(userID) || fingerprint == "" {
		return nil, ErrInvalidInput
	}
	if kind == "" {
		kind = model.VaultKindLegacy
	}
	if !validKind(kind) {
		return nil, ErrInvalidInput
	}

	if capabilityID != "" {
		revoked, err := s.revocations.IsRevoked(capabilityID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if revoked {
			return nil, s.deny(ctx, userID, fingerprint, "capability revoked")
		}
	}

	dk, err := s.devices.GetDeviceKey(userID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if dk == nil {
		return nil, s.deny(ctx, userID, fingerprint, "device not enrolled")
	}
	if dk.NeedsReenroll {
		return nil, s.deny(ctx, userID, fingerprint, "device flagged for re-enrollment")
	}

	presented, err := hashing.DecodeB64(deviceKeyB64)
	if err != nil {
		return nil, s.deny(ctx, userID, fingerprint, "malformed device key")
	}
	defer hashing.ZeroBytes(presented)

	stored, err := s.envelope.OpenFromString(ctx, dk.EncryptedDeviceKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer hashing.ZeroBytes(stored)

	if !hashing.ConstantTimeEqual(presented, stored) {
		return nil, s.deny(ctx, userID, fingerprint, "device key mismatch")
	}

	// A replayed or cloned authenticator presents a stale counter.
	if counter <= dk.WebauthnCounter {
		return nil, s.deny(ctx, userID, fingerprint, "authenticator counter not increasing")
	}

	now := time.Now().UTC()
	if err := s.devices.UpdateDeviceUsage(userID, fingerprint, counter, now); err != nil {
		util.Warn("Failed to update device usage",
			zap.String("user_id", userID),
			zap.String("device_fingerprint", fingerprint),
			zap.Error(err))
	}
	if err := s.attempts.ResetFailures(userID, fingerprint); err != nil {
		util.Warn("Failed to reset device failure counter",
			zap.String("user_id", userID),
			zap.Error(err))
	}

	session, err := s.unlock.PromoteSession(userID, kind)
	if err != nil {
		return nil, err
	}

	util.Info("Vault unlocked with device key",
		zap.String("user_id", userID),
		zap.String("device_fingerprint", fingerprint),
		zap.String("kind", string(kind)))

	return &UnlockResult{Session: session}, nil
}

// Revoke removes the device credential. Any live session stays valid until
// it expires or is locked; revocation only blocks future device unlocks.
func (s *DeviceService) Revoke(ctx context.Context, userID, fingerprint string) error {
	if !util.ValidSubjectID(userID) || fingerprint == "" {
		return ErrInvalidInput
	}
	if err := s.devices.DeleteDeviceKey(userID, fingerprint); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *DeviceService) ListDevices(ctx context.Context, userID string) ([]*model.DeviceKey, error) {
	if !util.ValidSubjectID(userID) {
		return nil, ErrInvalidInput
	}
	keys, err := s.devices.ListDeviceKeys(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// The encrypted key never leaves the keeper, even sealed.
	for _, dk := range keys {
		dk.EncryptedDeviceKey = ""
	}
	return keys, nil
}

func (s *DeviceService) deny(ctx context.Context, userID, fingerprint, reason string) error {
	util.Warn("Device unlock denied",
		zap.String("user_id", userID),
		zap.String("device_fingerprint", fingerprint),
		zap.String("reason", reason))

	count, err := s.attempts.IncrementFailures(userID, fingerprint)
	if err != nil {
		util.Error("Failed to count device unlock failure",
			zap.String("user_id", userID),
			zap.Error(err))
		return ErrDenied
	}

	if count >= s.config.Vault.DeviceMaxFailures {
		if err := s.devices.FlagReenroll(userID, fingerprint); err != nil {
			util.Error("Failed to flag device for re-enrollment",
				zap.String("user_id", userID),
				zap.Error(err))
		} else {
			s.notifier.Publish(ctx, &notify.Event{
				Kind:      notify.EventDeviceLockedOut,
				SubjectID: userID,
				Detail:    map[string]string{"device_fingerprint": fingerprint},
			})
		}
	}

	return ErrDenied
}
