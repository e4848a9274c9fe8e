package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vault-service/internal/config"
	"vault-service/internal/hashing"
	"vault-service/internal/model"
	"vault-service/internal/repository/scylla"
	"vault-service/internal/util"
)

// UnlockResult is returned by every operation that leaves a vault unlocked.
type UnlockResult struct {
	Session *model.UnlockSession `json:"session"`
}

// UnlockService runs the challenge-response unlock protocol for both vault
// kinds. The plaintext password and the derived key never reach this service;
// clients send only an HMAC proof bound to a single-use challenge.
type UnlockService struct {
	verifiers  scylla.VerifierRepository
	sessions   SessionStore
	rateLimits RateLimiter
	challenges *ChallengeStore
	config     *config.Config
	decoySeed  []byte
}

func NewUnlockService(
	verifiers scylla.VerifierRepository,
	sessions SessionStore,
	rateLimits RateLimiter,
	challenges *ChallengeStore,
	cfg *config.Config,
) (*UnlockService, error) {
	seed, err := hashing.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate decoy seed: %w", err)
	}

	return &UnlockService{
		verifiers:  verifiers,
		sessions:   sessions,
		rateLimits: rateLimits,
		challenges: challenges,
		config:     cfg,
		decoySeed:  seed,
	}, nil
}

// Register stores or replaces the (salt, verifier) pair for a subject and
// kind. The caller derives both client-side; raw passwords are never sent.
func (s *UnlockService) Register(ctx context.Context, subjectID string, kind model.VaultKind, saltB64, verifierB64 string) error {
	if !util.ValidSubjectID(subjectID) || !validKind(kind) {
		return ErrInvalidInput
	}
	if _, err := hashing.DecodeB64(saltB64); err != nil {
		return ErrInvalidInput
	}
	if _, err := hashing.DecodeB64(verifierB64); err != nil {
		return ErrInvalidInput
	}

	v := &model.VaultVerifier{
		SubjectID: subjectID,
		Kind:      kind,
		Salt:      saltB64,
		Verifier:  verifierB64,
	}
	if err := s.verifiers.UpsertVerifier(v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// A changed password invalidates the live session for that kind.
	if err := s.sessions.DeleteSession(subjectID, kind); err != nil {
		util.Warn("Failed to drop session after verifier change",
			zap.String("subject_id", subjectID),
			zap.Error(err))
	}

	return nil
}

// IssueChallenge mints a fresh single-use challenge. Subjects without a
// verifier receive a stable decoy salt so the response shape is identical.
func (s *UnlockService) IssueChallenge(ctx context.Context, subjectID string, kind model.VaultKind) (*model.UnlockChallenge, error) {
	if !util.ValidSubjectID(subjectID) || !validKind(kind) {
		return nil, ErrInvalidInput
	}

	if locked, err := s.rateLimits.IsSubjectLocked(subjectID, "unlock"); err == nil && locked {
		return nil, ErrRateLimited
	}

	salt := ""
	v, err := s.verifiers.GetVerifier(subjectID, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if v != nil {
		salt = v.Salt
	} else {
		salt = hashing.EncodeB64(hashing.DecoySalt(s.decoySeed, subjectID, string(kind)))
	}

	nonce, err := hashing.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := time.Now().UTC()
	ch := &model.UnlockChallenge{
		ChallengeID: uuid.New().String(),
		SubjectID:   subjectID,
		Kind:        kind,
		Nonce:       hashing.EncodeB64(nonce),
		Salt:        salt,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.config.Vault.ChallengeTTL),
	}
	s.challenges.Put(ch)

	util.Debug("Unlock challenge issued",
		zap.String("subject_id", subjectID),
		zap.String("kind", string(kind)),
		zap.String("challenge_id", ch.ChallengeID))

	return ch, nil
}

// Verify consumes the challenge and checks the proof. Every failure mode
// returns the same ErrDenied; the distinguishing reason is only logged.
func (s *UnlockService) Verify(ctx context.Context, subjectID string, kind model.VaultKind, challengeID, proofB64 string) (*UnlockResult, error) {
	if !util.ValidSubjectID(subjectID) || !validKind(kind) || challengeID == "" {
		return nil, ErrInvalidInput
	}

	if locked, err := s.rateLimits.IsSubjectLocked(subjectID, "unlock"); err == nil && locked {
		return nil, ErrRateLimited
	}

	// The challenge is gone after this line regardless of the outcome.
	ch, ok := s.challenges.Take(challengeID)
	if !ok {
		return nil, s.deny(subjectID, "challenge missing or expired")
	}
	if ch.SubjectID != subjectID || ch.Kind != kind {
		return nil, s.deny(subjectID, "challenge subject mismatch")
	}

	v, err := s.verifiers.GetVerifier(subjectID, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if v == nil {
		return nil, s.deny(subjectID, "no verifier configured")
	}

	proof, err := hashing.DecodeB64(proofB64)
	if err != nil {
		return nil, s.deny(subjectID, "malformed proof")
	}
	verifier, err := hashing.DecodeB64(v.Verifier)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt verifier row", ErrUnavailable)
	}
	nonce, err := hashing.DecodeB64(ch.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt challenge nonce", ErrUnavailable)
	}

	if !hashing.VerifyProof(verifier, nonce, ch.ChallengeID, proof) {
		return nil, s.deny(subjectID, "proof mismatch")
	}

	if err := s.rateLimits.ResetCounter(failureKey(subjectID)); err != nil {
		util.Warn("Failed to reset unlock failure counter",
			zap.String("subject_id", subjectID),
			zap.Error(err))
	}

	session, err := s.openSession(subjectID, kind)
	if err != nil {
		return nil, err
	}

	util.Info("Vault unlocked",
		zap.String("subject_id", subjectID),
		zap.String("kind", string(kind)),
		zap.Time("expires_at", session.ExpiresAt))

	return &UnlockResult{Session: session}, nil
}

// PromoteSession opens a session without a password proof. Device and group
// flows call this after their own credential check succeeds.
func (s *UnlockService) PromoteSession(subjectID string, kind model.VaultKind) (*model.UnlockSession, error) {
	return s.openSession(subjectID, kind)
}

// openSession replaces whatever session exists for (subject, kind). Last
// writer wins; sessions are never merged.
func (s *UnlockService) openSession(subjectID string, kind model.VaultKind) (*model.UnlockSession, error) {
	now := time.Now().UTC()
	session := &model.UnlockSession{
		SubjectID: subjectID,
		Kind:      kind,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.config.Vault.SessionTTL),
	}
	if err := s.sessions.PutSession(session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return session, nil
}

// GetSession returns the live session or nil when the vault is locked.
func (s *UnlockService) GetSession(ctx context.Context, subjectID string, kind model.VaultKind) (*model.UnlockSession, error) {
	if !util.ValidSubjectID(subjectID) || !validKind(kind) {
		return nil, ErrInvalidInput
	}
	session, err := s.sessions.GetSession(subjectID, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return session, nil
}

// Extend slides the session expiry forward, bounded by the absolute lifetime
// cap measured from the original unlock.
func (s *UnlockService) Extend(ctx context.Context, subjectID string, kind model.VaultKind) (*UnlockResult, error) {
	if !util.ValidSubjectID(subjectID) || !validKind(kind) {
		return nil, ErrInvalidInput
	}

	current, err := s.sessions.GetSession(subjectID, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if current == nil {
		return nil, ErrExpired
	}

	now := time.Now().UTC()
	hardStop := current.IssuedAt.Add(s.config.Vault.SessionMaxLifetime)
	newExpiry := now.Add(s.config.Vault.SessionTTL)
	if newExpiry.After(hardStop) {
		newExpiry = hardStop
	}
	if !newExpiry.After(now) {
		// Lifetime cap reached; the session ends at its current expiry.
		return nil, ErrExpired
	}

	updated := &model.UnlockSession{
		SubjectID: subjectID,
		Kind:      kind,
		IssuedAt:  current.IssuedAt,
		ExpiresAt: newExpiry,
	}

	swapped, err := s.sessions.ReplaceSession(current, updated)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !swapped {
		// Lost a race against a newer unlock or a lock. The caller re-reads.
		return nil, ErrConflict
	}

	return &UnlockResult{Session: updated}, nil
}

// Lock drops the session. Locking an already locked vault is a no-op.
func (s *UnlockService) Lock(ctx context.Context, subjectID string, kind model.VaultKind) error {
	if !util.ValidSubjectID(subjectID) || !validKind(kind) {
		return ErrInvalidInput
	}
	if err := s.sessions.DeleteSession(subjectID, kind); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	util.Info("Vault locked",
		zap.String("subject_id", subjectID),
		zap.String("kind", string(kind)))
	return nil
}

// SweepChallenges drops expired challenges from the in-process store.
func (s *UnlockService) SweepChallenges() int {
	return s.challenges.Sweep()
}

func (s *UnlockService) deny(subjectID, reason string) error {
	util.Warn("Unlock denied",
		zap.String("subject_id", subjectID),
		zap.String("reason", reason))

	count, err := s.rateLimits.IncrementCounter(failureKey(subjectID), s.config.Vault.UnlockLockout)
	if err == nil && count >= s.config.Vault.MaxUnlockFailures {
		if err := s.rateLimits.SetSubjectLock(subjectID, "unlock", s.config.Vault.UnlockLockout); err != nil {
			util.Error("Failed to set unlock lockout",
				zap.String("subject_id", subjectID),
				zap.Error(err))
		} else {
			util.Warn("Subject locked out after repeated unlock failures",
				zap.String("subject_id", subjectID),
				zap.Int("failures", count))
		}
	}

	return ErrDenied
}

func failureKey(subjectID string) string {
	return fmt.Sprintf("unlock_failures:%s", subjectID)
}

func validKind(kind model.VaultKind) bool {
	return kind == model.VaultKindLegacy || kind == model.VaultKindSession
}
