package model

import "time"

// VaultKind distinguishes the two independently keyed unlock domains.
type VaultKind string

const (
	VaultKindLegacy  VaultKind = "legacy"
	VaultKindSession VaultKind = "session"
)

// -------------------- UNLOCK PROTOCOL --------------------

// UnlockChallenge is a single-use challenge held only in keeper memory.
// A process restart voids all outstanding challenges.
type UnlockChallenge struct {
	ChallengeID string    `json:"challenge_id"`
	SubjectID   string    `json:"subject_id"`
	Kind        VaultKind `json:"kind"`
	Nonce       string    `json:"nonce"` // base64, fresh random per challenge
	Salt        string    `json:"salt"`  // base64, per-subject static KDF salt
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Consumed    bool      `json:"consumed"`
}

// UnlockSession is the single active session per (subject, kind).
// Stored in redis under a TTL key; replaced, never merged.
type UnlockSession struct {
	SubjectID string    `json:"subject_id"`
	Kind      VaultKind `json:"kind"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VaultVerifier is what the keeper stores to check unlock proofs: the
// per-subject salt and a hash of the derived key. Neither the password
// nor the derived key itself is ever persisted.
type VaultVerifier struct {
	SubjectID string    `db:"subject_id"`
	Kind      VaultKind `db:"kind"`
	Salt      string    `db:"salt"`     // base64
	Verifier  string    `db:"verifier"` // base64 SHA-256 of the derived key
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// -------------------- DEVICE BINDING --------------------

// DeviceKey is a platform-authenticator-backed alternate unlock credential.
// The raw device key is returned exactly once at enrollment; only the
// envelope-encrypted copy is stored.
type DeviceKey struct {
	UserID               string     `db:"user_id"`
	DeviceFingerprint    string     `db:"device_fingerprint"`
	DeviceName           string     `db:"device_name"`
	EncryptedDeviceKey   string     `db:"encrypted_device_key"` // JSON envelope blob
	WebauthnCredentialID string     `db:"webauthn_credential_id"`
	WebauthnPublicKey    string     `db:"webauthn_public_key"`
	WebauthnCounter      uint32     `db:"webauthn_counter"`
	NeedsReenroll        bool       `db:"needs_reenroll"`
	CreatedAt            time.Time  `db:"created_at"`
	LastUsedAt           *time.Time `db:"last_used_at"`
}

// -------------------- SOCIAL RECOVERY --------------------

type RecoveryMethodType string

const (
	RecoveryMethodBIP39    RecoveryMethodType = "bip39"
	RecoveryMethodSocial   RecoveryMethodType = "social"
	RecoveryMethodHardware RecoveryMethodType = "hardware"
)

// RecoveryMethod is one configured recovery mechanism per user.
type RecoveryMethod struct {
	UserID          string             `db:"user_id"`
	MethodType      RecoveryMethodType `db:"method_type"`
	EncryptedConfig string             `db:"encrypted_config"`
	Threshold       int                `db:"threshold"`
	Enabled         bool               `db:"enabled"`
	UpdatedAt       time.Time          `db:"updated_at"`
}

// RecoveryContact holds one encrypted shard. ShareIndex is unique within a
// recoveryID generation; regenerating recovery rotates recoveryID and drops
// every prior shard.
type RecoveryContact struct {
	UserID         string    `db:"user_id"`
	RecoveryID     string    `db:"recovery_id"`
	ContactEmail   string    `db:"contact_email"`
	ShareIndex     int       `db:"share_index"`
	EncryptedShard string    `db:"encrypted_shard"`
	CreatedAt      time.Time `db:"created_at"`
}

type RecoveryRequestStatus string

const (
	RecoveryStatusPending   RecoveryRequestStatus = "pending"
	RecoveryStatusCompleted RecoveryRequestStatus = "completed"
	RecoveryStatusCancelled RecoveryRequestStatus = "cancelled"
	RecoveryStatusExpired   RecoveryRequestStatus = "expired"
)

// RecoveryRequest is an active reconstruction session. The request token is
// never stored, only its SHA-256.
type RecoveryRequest struct {
	RequestID       string                `db:"request_id"`
	UserID          string                `db:"user_id"`
	RecoveryID      string                `db:"recovery_id"`
	TokenHash       string                `db:"token_hash"`
	Threshold       int                   `db:"threshold"`
	Status          RecoveryRequestStatus `db:"status"`
	ShardsCollected int                   `db:"shards_collected"`
	CreatedAt       time.Time             `db:"created_at"`
	ExpiresAt       time.Time             `db:"expires_at"`
}

// RecoveryShardSubmission records one contact's resubmitted shard, unique per
// (requestID, contactEmail).
type RecoveryShardSubmission struct {
	RequestID    string    `db:"request_id"`
	ContactEmail string    `db:"contact_email"`
	Shard        string    `db:"shard"`
	SubmittedAt  time.Time `db:"submitted_at"`
}

// -------------------- GROUP VAULTS --------------------

type GroupVaultStatus string

const (
	GroupVaultActive   GroupVaultStatus = "active"
	GroupVaultArchived GroupVaultStatus = "archived"
)

// GroupVault is the shared vault container, one per group.
type GroupVault struct {
	GroupID            string           `db:"group_id"`
	ContainerID        string           `db:"container_id"`
	EncryptedVaultBlob string           `db:"encrypted_vault_blob"`
	RequiredApprovals  int              `db:"required_approvals"`
	Status             GroupVaultStatus `db:"status"`
	CreatedAt          time.Time        `db:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at"`
}

type GroupUnlockStatus string

const (
	GroupUnlockPending  GroupUnlockStatus = "pending"
	GroupUnlockUnlocked GroupUnlockStatus = "unlocked"
	GroupUnlockDenied   GroupUnlockStatus = "denied"
	GroupUnlockExpired  GroupUnlockStatus = "expired"
)

// GroupUnlockRequest is a K-of-N approval workflow instance.
// RequiredApprovals is captured at request time and never re-read.
type GroupUnlockRequest struct {
	RequestID           string            `db:"request_id"`
	GroupID             string            `db:"group_id"`
	RequestedBy         string            `db:"requested_by"`
	Reason              string            `db:"reason"`
	Status              GroupUnlockStatus `db:"status"`
	RequiredApprovals   int               `db:"required_approvals"`
	EncryptedSessionKey string            `db:"encrypted_session_key"`
	CreatedAt           time.Time         `db:"created_at"`
	ExpiresAt           time.Time         `db:"expires_at"`
	UnlockedAt          *time.Time        `db:"unlocked_at"`
	UnlockExpiresAt     *time.Time        `db:"unlock_expires_at"`
	LockedAt            *time.Time        `db:"locked_at"`
}

// GroupUnlockApproval counts once per (requestID, approvedBy).
type GroupUnlockApproval struct {
	RequestID  string    `db:"request_id"`
	ApprovedBy string    `db:"approved_by"`
	ApprovedAt time.Time `db:"approved_at"`
}

// -------------------- COLLABORATORS --------------------

// CapabilityRevocation is consumed, not owned: the keeper only ever reads it
// to refuse revoked capabilities.
type CapabilityRevocation struct {
	CapabilityID string    `db:"capability_id"`
	RevokedAt    time.Time `db:"revoked_at"`
	Reason       string    `db:"reason"`
}

// -------------------- SESSION RECORDS (session vault payloads) --------------------

// SessionRecordFormat tags whether a stored session record has been migrated
// into the encrypted format. Migration skips records already tagged v2.
const (
	SessionRecordPlaintext = "v1"
	SessionRecordEncrypted = "v2"
)

// SessionRecord is a session token protected by the session vault. Legacy v1
// rows hold the token in the clear and are rewritten as v2 on migration.
type SessionRecord struct {
	UserID    string    `db:"user_id"`
	RecordID  string    `db:"record_id"`
	Format    string    `db:"format"`
	Payload   string    `db:"payload"` // v1: raw token JSON, v2: envelope blob
	UpdatedAt time.Time `db:"updated_at"`
}
