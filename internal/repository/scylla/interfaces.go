package scylla

import (
	"time"

	"vault-service/internal/model"
)

// VerifierRepository stores the per-identity unlock verifiers. Only the salt
// and the hashed verifier are ever persisted, never the derived key itself.
type VerifierRepository interface {
	UpsertVerifier(v *model.VaultVerifier) error
	GetVerifier(subjectID string, kind model.VaultKind) (*model.VaultVerifier, error)
}

// DeviceKeyRepository stores device-bound unlock credentials.
type DeviceKeyRepository interface {
	CreateDeviceKey(dk *model.DeviceKey) error
	GetDeviceKey(userID, fingerprint string) (*model.DeviceKey, error)
	ListDeviceKeys(userID string) ([]*model.DeviceKey, error)
	UpdateDeviceUsage(userID, fingerprint string, counter uint32, lastUsed time.Time) error
	FlagReenroll(userID, fingerprint string) error
	DeleteDeviceKey(userID, fingerprint string) error
}

// RecoveryRepository stores recovery configuration, active recovery requests
// and shard submissions. CreateRequest and InsertSubmission are conditional
// writes so uniqueness holds under concurrent calls.
type RecoveryRepository interface {
	UpsertMethod(m *model.RecoveryMethod) error
	GetMethod(userID string, methodType model.RecoveryMethodType) (*model.RecoveryMethod, error)
	ReplaceContacts(userID string, contacts []*model.RecoveryContact) error
	ListContacts(userID string) ([]*model.RecoveryContact, error)

	CreateRequest(req *model.RecoveryRequest) (bool, error)
	GetRequest(requestID string) (*model.RecoveryRequest, error)
	UpdateRequestStatus(requestID string, status model.RecoveryRequestStatus, shardsCollected int) error
	ListPendingRequests() ([]*model.RecoveryRequest, error)
	ClearPending(userID, requestID string) error

	InsertSubmission(sub *model.RecoveryShardSubmission) (bool, error)
	CountSubmissions(requestID string) (int, error)
	ListSubmissions(requestID string) ([]*model.RecoveryShardSubmission, error)
}

// GroupRepository stores group vaults, unlock requests and approvals.
type GroupRepository interface {
	UpsertGroupVault(gv *model.GroupVault) error
	GetGroupVault(groupID string) (*model.GroupVault, error)

	CreateUnlockRequest(req *model.GroupUnlockRequest) (bool, error)
	GetUnlockRequest(requestID string) (*model.GroupUnlockRequest, error)
	UpdateUnlockRequest(req *model.GroupUnlockRequest) error
	ListPendingRequests() ([]*model.GroupUnlockRequest, error)
	ClearPending(groupID, requestID string) error

	InsertApproval(a *model.GroupUnlockApproval) (bool, error)
	CountApprovals(requestID string) (int, error)
}

// SessionRecordRepository stores the per-user vault records that the session
// vault migration walks.
type SessionRecordRepository interface {
	ListRecords(userID string) ([]*model.SessionRecord, error)
	UpdateRecord(rec *model.SessionRecord) error
}

// RevocationRepository answers whether a capability has been revoked.
type RevocationRepository interface {
	IsRevoked(capabilityID string) (bool, error)
}
