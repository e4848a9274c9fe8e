package service

import (
	"context"
	"sync"
	"time"

	"vault-service/internal/config"
	"vault-service/internal/model"
	"vault-service/internal/notify"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
		Vault: config.VaultConfig{
			ChallengeTTL:       2 * time.Minute,
			SessionTTL:         15 * time.Minute,
			SessionMaxLifetime: 4 * time.Hour,
			DeviceMaxFailures:  3,
			MaxUnlockFailures:  5,
			UnlockLockout:      15 * time.Minute,
		},
		Recovery: config.RecoveryConfig{RequestTTL: 24 * time.Hour},
		Group: config.GroupConfig{
			RequestTTL:  24 * time.Hour,
			UnlockedTTL: 30 * time.Minute,
		},
	}
}

// In-memory stand-ins for the redis and scylla backends. They implement the
// same conditional-write semantics the real repositories provide.

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.UnlockSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*model.UnlockSession)}
}

func sessionKey(subjectID string, kind model.VaultKind) string {
	return subjectID + ":" + string(kind)
}

func (f *fakeSessionStore) PutSession(session *model.UnlockSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionKey(session.SubjectID, session.Kind)] = session
	return nil
}

func (f *fakeSessionStore) GetSession(subjectID string, kind model.VaultKind) (*model.UnlockSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionKey(subjectID, kind)]
	if !ok || time.Now().UTC().After(s.ExpiresAt) {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (f *fakeSessionStore) DeleteSession(subjectID string, kind model.VaultKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionKey(subjectID, kind))
	return nil
}

func (f *fakeSessionStore) ReplaceSession(old, updated *model.UnlockSession) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sessionKey(old.SubjectID, old.Kind)
	current, ok := f.sessions[key]
	if !ok || !current.ExpiresAt.Equal(old.ExpiresAt) {
		return false, nil
	}
	f.sessions[key] = updated
	return true, nil
}

type fakeRateLimiter struct {
	mu       sync.Mutex
	counters map[string]int
	locks    map[string]bool
}

func newFakeRateLimiter() *fakeRateLimiter {
	return &fakeRateLimiter{
		counters: make(map[string]int),
		locks:    make(map[string]bool),
	}
}

func (f *fakeRateLimiter) IsSubjectLocked(subjectID, operation string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locks[subjectID+":"+operation], nil
}

func (f *fakeRateLimiter) SetSubjectLock(subjectID, operation string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks[subjectID+":"+operation] = true
	return nil
}

func (f *fakeRateLimiter) IncrementCounter(key string, ttl time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	return f.counters[key], nil
}

func (f *fakeRateLimiter) ResetCounter(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counters, key)
	return nil
}

type fakeAttemptCounter struct {
	mu       sync.Mutex
	failures map[string]int
}

func newFakeAttemptCounter() *fakeAttemptCounter {
	return &fakeAttemptCounter{failures: make(map[string]int)}
}

func (f *fakeAttemptCounter) IncrementFailures(userID, fingerprint string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[userID+":"+fingerprint]++
	return f.failures[userID+":"+fingerprint], nil
}

func (f *fakeAttemptCounter) ResetFailures(userID, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, userID+":"+fingerprint)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*notify.Event
}

func (f *fakeNotifier) Publish(ctx context.Context, event *notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Kind)
	}
	return out
}

type fakeVerifierRepo struct {
	mu        sync.Mutex
	verifiers map[string]*model.VaultVerifier
}

func newFakeVerifierRepo() *fakeVerifierRepo {
	return &fakeVerifierRepo{verifiers: make(map[string]*model.VaultVerifier)}
}

func (f *fakeVerifierRepo) UpsertVerifier(v *model.VaultVerifier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifiers[sessionKey(v.SubjectID, v.Kind)] = v
	return nil
}

func (f *fakeVerifierRepo) GetVerifier(subjectID string, kind model.VaultKind) (*model.VaultVerifier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifiers[sessionKey(subjectID, kind)], nil
}

type fakeDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*model.DeviceKey
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{devices: make(map[string]*model.DeviceKey)}
}

func deviceRepoKey(userID, fingerprint string) string {
	return userID + ":" + fingerprint
}

func (f *fakeDeviceRepo) CreateDeviceKey(dk *model.DeviceKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[deviceRepoKey(dk.UserID, dk.DeviceFingerprint)] = dk
	return nil
}

func (f *fakeDeviceRepo) GetDeviceKey(userID, fingerprint string) (*model.DeviceKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dk, ok := f.devices[deviceRepoKey(userID, fingerprint)]
	if !ok {
		return nil, nil
	}
	copied := *dk
	return &copied, nil
}

func (f *fakeDeviceRepo) ListDeviceKeys(userID string) ([]*model.DeviceKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.DeviceKey
	for _, dk := range f.devices {
		if dk.UserID == userID {
			copied := *dk
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeDeviceRepo) UpdateDeviceUsage(userID, fingerprint string, counter uint32, lastUsed time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dk, ok := f.devices[deviceRepoKey(userID, fingerprint)]; ok {
		dk.WebauthnCounter = counter
		dk.LastUsedAt = &lastUsed
	}
	return nil
}

func (f *fakeDeviceRepo) FlagReenroll(userID, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dk, ok := f.devices[deviceRepoKey(userID, fingerprint)]; ok {
		dk.NeedsReenroll = true
	}
	return nil
}

func (f *fakeDeviceRepo) DeleteDeviceKey(userID, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, deviceRepoKey(userID, fingerprint))
	return nil
}

type fakeRevocationRepo struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func newFakeRevocationRepo() *fakeRevocationRepo {
	return &fakeRevocationRepo{revoked: make(map[string]bool)}
}

func (f *fakeRevocationRepo) IsRevoked(capabilityID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[capabilityID], nil
}

type fakeRecoveryRepo struct {
	mu          sync.Mutex
	methods     map[string]*model.RecoveryMethod
	contacts    map[string][]*model.RecoveryContact
	requests    map[string]*model.RecoveryRequest
	pending     map[string]string // userID -> requestID
	submissions map[string]map[string]*model.RecoveryShardSubmission
}

func newFakeRecoveryRepo() *fakeRecoveryRepo {
	return &fakeRecoveryRepo{
		methods:     make(map[string]*model.RecoveryMethod),
		contacts:    make(map[string][]*model.RecoveryContact),
		requests:    make(map[string]*model.RecoveryRequest),
		pending:     make(map[string]string),
		submissions: make(map[string]map[string]*model.RecoveryShardSubmission),
	}
}

func (f *fakeRecoveryRepo) UpsertMethod(m *model.RecoveryMethod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods[m.UserID+":"+string(m.MethodType)] = m
	return nil
}

func (f *fakeRecoveryRepo) GetMethod(userID string, methodType model.RecoveryMethodType) (*model.RecoveryMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.methods[userID+":"+string(methodType)], nil
}

func (f *fakeRecoveryRepo) ReplaceContacts(userID string, contacts []*model.RecoveryContact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[userID] = contacts
	return nil
}

func (f *fakeRecoveryRepo) ListContacts(userID string) ([]*model.RecoveryContact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contacts[userID], nil
}

func (f *fakeRecoveryRepo) CreateRequest(req *model.RecoveryRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prior, ok := f.pending[req.UserID]; ok {
		if existing := f.requests[prior]; existing != nil && time.Now().UTC().Before(existing.ExpiresAt) {
			return false, nil
		}
	}
	f.pending[req.UserID] = req.RequestID
	copied := *req
	f.requests[req.RequestID] = &copied
	return true, nil
}

func (f *fakeRecoveryRepo) GetRequest(requestID string) (*model.RecoveryRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[requestID]
	if !ok {
		return nil, nil
	}
	copied := *req
	return &copied, nil
}

func (f *fakeRecoveryRepo) UpdateRequestStatus(requestID string, status model.RecoveryRequestStatus, shardsCollected int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req, ok := f.requests[requestID]; ok {
		req.Status = status
		req.ShardsCollected = shardsCollected
	}
	return nil
}

func (f *fakeRecoveryRepo) ListPendingRequests() ([]*model.RecoveryRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.RecoveryRequest
	for _, req := range f.requests {
		if req.Status == model.RecoveryStatusPending {
			copied := *req
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeRecoveryRepo) ClearPending(userID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[userID] == requestID {
		delete(f.pending, userID)
	}
	return nil
}

func (f *fakeRecoveryRepo) InsertSubmission(sub *model.RecoveryShardSubmission) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byEmail, ok := f.submissions[sub.RequestID]
	if !ok {
		byEmail = make(map[string]*model.RecoveryShardSubmission)
		f.submissions[sub.RequestID] = byEmail
	}
	if _, exists := byEmail[sub.ContactEmail]; exists {
		return false, nil
	}
	byEmail[sub.ContactEmail] = sub
	return true, nil
}

func (f *fakeRecoveryRepo) CountSubmissions(requestID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions[requestID]), nil
}

func (f *fakeRecoveryRepo) ListSubmissions(requestID string) ([]*model.RecoveryShardSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.RecoveryShardSubmission
	for _, sub := range f.submissions[requestID] {
		out = append(out, sub)
	}
	return out, nil
}

type fakeGroupRepo struct {
	mu        sync.Mutex
	vaults    map[string]*model.GroupVault
	requests  map[string]*model.GroupUnlockRequest
	pending   map[string]string // groupID -> requestID
	approvals map[string]map[string]*model.GroupUnlockApproval
}

func newFakeGroupRepo() *fakeGroupRepo {
	return &fakeGroupRepo{
		vaults:    make(map[string]*model.GroupVault),
		requests:  make(map[string]*model.GroupUnlockRequest),
		pending:   make(map[string]string),
		approvals: make(map[string]map[string]*model.GroupUnlockApproval),
	}
}

func (f *fakeGroupRepo) UpsertGroupVault(gv *model.GroupVault) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *gv
	f.vaults[gv.GroupID] = &copied
	return nil
}

func (f *fakeGroupRepo) GetGroupVault(groupID string) (*model.GroupVault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gv, ok := f.vaults[groupID]
	if !ok {
		return nil, nil
	}
	copied := *gv
	return &copied, nil
}

func (f *fakeGroupRepo) CreateUnlockRequest(req *model.GroupUnlockRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prior, ok := f.pending[req.GroupID]; ok {
		if existing := f.requests[prior]; existing != nil && time.Now().UTC().Before(existing.ExpiresAt) {
			return false, nil
		}
	}
	f.pending[req.GroupID] = req.RequestID
	copied := *req
	f.requests[req.RequestID] = &copied
	return true, nil
}

func (f *fakeGroupRepo) GetUnlockRequest(requestID string) (*model.GroupUnlockRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[requestID]
	if !ok {
		return nil, nil
	}
	copied := *req
	return &copied, nil
}

func (f *fakeGroupRepo) UpdateUnlockRequest(req *model.GroupUnlockRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *req
	f.requests[req.RequestID] = &copied
	return nil
}

func (f *fakeGroupRepo) ListPendingRequests() ([]*model.GroupUnlockRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.GroupUnlockRequest
	for _, req := range f.requests {
		if req.Status == model.GroupUnlockPending {
			copied := *req
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeGroupRepo) ClearPending(groupID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[groupID] == requestID {
		delete(f.pending, groupID)
	}
	return nil
}

func (f *fakeGroupRepo) InsertApproval(a *model.GroupUnlockApproval) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byMember, ok := f.approvals[a.RequestID]
	if !ok {
		byMember = make(map[string]*model.GroupUnlockApproval)
		f.approvals[a.RequestID] = byMember
	}
	if _, exists := byMember[a.ApprovedBy]; exists {
		return false, nil
	}
	byMember[a.ApprovedBy] = a
	return true, nil
}

func (f *fakeGroupRepo) CountApprovals(requestID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.approvals[requestID]), nil
}

type fakeSessionRecordRepo struct {
	mu      sync.Mutex
	records map[string][]*model.SessionRecord
}

func newFakeSessionRecordRepo() *fakeSessionRecordRepo {
	return &fakeSessionRecordRepo{records: make(map[string][]*model.SessionRecord)}
}

func (f *fakeSessionRecordRepo) ListRecords(userID string) ([]*model.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.SessionRecord, 0, len(f.records[userID]))
	for _, rec := range f.records[userID] {
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeSessionRecordRepo) UpdateRecord(rec *model.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.records[rec.UserID] {
		if existing.RecordID == rec.RecordID {
			copied := *rec
			f.records[rec.UserID][i] = &copied
			return nil
		}
	}
	copied := *rec
	f.records[rec.UserID] = append(f.records[rec.UserID], &copied)
	return nil
}
