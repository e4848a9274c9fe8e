package service

import (
	"fmt"

	"vault-service/internal/config"
	"vault-service/internal/encryption"
	"vault-service/internal/repository/scylla"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	verifiers   scylla.VerifierRepository
	devices     scylla.DeviceKeyRepository
	recovery    scylla.RecoveryRepository
	groups      scylla.GroupRepository
	records     scylla.SessionRecordRepository
	revocations scylla.RevocationRepository

	sessions   SessionStore
	attempts   AttemptCounter
	rateLimits RateLimiter

	envelope *encryption.Manager
	notifier EventPublisher
	config   *config.Config

	challenges   *ChallengeStore
	unlockSvc    *UnlockService
	sessionVault *SessionVaultService
	deviceSvc    *DeviceService
	recoverySvc  *RecoveryService
	groupSvc     *GroupService
}

func NewServiceFactory(
	verifiers scylla.VerifierRepository,
	devices scylla.DeviceKeyRepository,
	recovery scylla.RecoveryRepository,
	groups scylla.GroupRepository,
	records scylla.SessionRecordRepository,
	revocations scylla.RevocationRepository,
	sessions SessionStore,
	attempts AttemptCounter,
	rateLimits RateLimiter,
	envelope *encryption.Manager,
	notifier EventPublisher,
	cfg *config.Config,
) (*ServiceFactory, error) {
	f := &ServiceFactory{
		verifiers:   verifiers,
		devices:     devices,
		recovery:    recovery,
		groups:      groups,
		records:     records,
		revocations: revocations,
		sessions:    sessions,
		attempts:    attempts,
		rateLimits:  rateLimits,
		envelope:    envelope,
		notifier:    notifier,
		config:      cfg,
	}

	f.challenges = NewChallengeStore()

	unlockSvc, err := NewUnlockService(verifiers, sessions, rateLimits, f.challenges, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build unlock service: %w", err)
	}
	f.unlockSvc = unlockSvc

	return f, nil
}

func (f *ServiceFactory) UnlockService() *UnlockService {
	return f.unlockSvc
}

func (f *ServiceFactory) SessionVaultService() *SessionVaultService {
	if f.sessionVault == nil {
		f.sessionVault = NewSessionVaultService(f.records, f.sessions, f.envelope)
	}
	return f.sessionVault
}

func (f *ServiceFactory) DeviceService() *DeviceService {
	if f.deviceSvc == nil {
		f.deviceSvc = NewDeviceService(
			f.devices,
			f.revocations,
			f.attempts,
			f.envelope,
			f.unlockSvc,
			f.notifier,
			f.config,
		)
	}
	return f.deviceSvc
}

func (f *ServiceFactory) RecoveryService() *RecoveryService {
	if f.recoverySvc == nil {
		f.recoverySvc = NewRecoveryService(f.recovery, f.envelope, f.notifier, f.config)
	}
	return f.recoverySvc
}

func (f *ServiceFactory) GroupService() *GroupService {
	if f.groupSvc == nil {
		f.groupSvc = NewGroupService(f.groups, f.envelope, f.notifier, f.config)
	}
	return f.groupSvc
}
