package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/shamir"
	"go.uber.org/zap"

	"vault-service/internal/config"
	"vault-service/internal/encryption"
	"vault-service/internal/hashing"
	"vault-service/internal/model"
	"vault-service/internal/notify"
	"vault-service/internal/repository/scylla"
	"vault-service/internal/util"
)

// ContactInput names one recovery contact at configuration time.
type ContactInput struct {
	Email string `json:"email"`
}

// ContactShard pairs a contact with the shard they are to hold. Returned
// once from Configure for out-of-band delivery, never stored in the clear.
type ContactShard struct {
	Email string `json:"email"`
	Shard string `json:"shard"` // base64
}

// ConfigureResult is returned once. The recovery secret itself is not in it;
// only the shards leave the keeper.
type ConfigureResult struct {
	RecoveryID string         `json:"recovery_id"`
	Threshold  int            `json:"threshold"`
	Shards     []ContactShard `json:"shards"`
}

// InitiateResult carries the single request token, returned once.
type InitiateResult struct {
	RequestID string    `json:"request_id"`
	Token     string    `json:"token"`
	Threshold int       `json:"threshold"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SubmitResult reports progress after one shard submission. The secret is
// never in it: the keeper only counts shards, it does not combine them.
type SubmitResult struct {
	Status          model.RecoveryRequestStatus `json:"status"`
	ShardsCollected int                         `json:"shards_collected"`
	Threshold       int                         `json:"threshold"`
}

// CollectedShard is one contact's stored submission, served back to the
// token-holder for local reconstruction.
type CollectedShard struct {
	ContactEmail string `json:"contact_email"`
	Shard        string `json:"shard"` // base64
}

// CollectResult hands the stored submissions to the request owner. SecretHash
// lets the owner check their locally combined secret against the configured
// one.
type CollectResult struct {
	Status          model.RecoveryRequestStatus `json:"status"`
	Threshold       int                         `json:"threshold"`
	ShardsCollected int                         `json:"shards_collected"`
	SecretHash      string                      `json:"secret_hash"` // base64
	Shards          []CollectedShard            `json:"shards"`
}

// socialConfig is what RecoveryMethod.EncryptedConfig seals for the social
// method: the current shard generation and a hash the owner uses to check
// reconstruction on their side.
type socialConfig struct {
	RecoveryID string `json:"recovery_id"`
	SecretHash string `json:"secret_hash"`
}

// RecoveryService runs M-of-N social recovery over Shamir shards.
type RecoveryService struct {
	recovery scylla.RecoveryRepository
	envelope *encryption.Manager
	notifier EventPublisher
	config   *config.Config
}

func NewRecoveryService(
	recovery scylla.RecoveryRepository,
	envelope *encryption.Manager,
	notifier EventPublisher,
	cfg *config.Config,
) *RecoveryService {
	return &RecoveryService{
		recovery: recovery,
		envelope: envelope,
		notifier: notifier,
		config:   cfg,
	}
}

// Configure splits a fresh recovery secret across the given contacts.
// Reconfiguring rotates the recoveryID and drops every prior shard, so old
// and new generations can never be combined.
func (s *RecoveryService) Configure(ctx context.Context, userID string, contacts []ContactInput, threshold int) (*ConfigureResult, error) {
	if !util.ValidSubjectID(userID) {
		return nil, ErrInvalidInput
	}
	if threshold < 2 || threshold > len(contacts) {
		return nil, fmt.Errorf("%w: threshold must be between 2 and the contact count", ErrInvalidInput)
	}

	emails := make([]string, 0, len(contacts))
	seen := make(map[string]bool)
	for _, c := range contacts {
		email, ok := util.NormalizeEmail(c.Email)
		if !ok {
			return nil, fmt.Errorf("%w: bad contact email", ErrInvalidInput)
		}
		if seen[email] {
			return nil, fmt.Errorf("%w: duplicate contact email", ErrInvalidInput)
		}
		seen[email] = true
		emails = append(emails, email)
	}

	secret, err := hashing.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer hashing.ZeroBytes(secret)

	shards, err := shamir.Split(secret, len(emails), threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to split recovery secret: %v", ErrUnavailable, err)
	}

	recoveryID := uuid.New().String()

	rows := make([]*model.RecoveryContact, 0, len(emails))
	out := make([]ContactShard, 0, len(emails))
	for i, email := range emails {
		sealed, err := s.envelope.SealToString(ctx, shards[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		rows = append(rows, &model.RecoveryContact{
			UserID:         userID,
			RecoveryID:     recoveryID,
			ContactEmail:   email,
			ShareIndex:     i + 1,
			EncryptedShard: sealed,
		})
		out = append(out, ContactShard{
			Email: email,
			Shard: hashing.EncodeB64(shards[i]),
		})
	}

	cfgJSON, err := json.Marshal(socialConfig{
		RecoveryID: recoveryID,
		SecretHash: hashing.EncodeB64(hashing.Verifier(secret)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sealedCfg, err := s.envelope.SealToString(ctx, cfgJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := s.recovery.ReplaceContacts(userID, rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.recovery.UpsertMethod(&model.RecoveryMethod{
		UserID:          userID,
		MethodType:      model.RecoveryMethodSocial,
		EncryptedConfig: sealedCfg,
		Threshold:       threshold,
		Enabled:         true,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	util.Info("Social recovery configured",
		zap.String("user_id", userID),
		zap.String("recovery_id", recoveryID),
		zap.Int("threshold", threshold),
		zap.Int("contacts", len(emails)))

	return &ConfigureResult{
		RecoveryID: recoveryID,
		Threshold:  threshold,
		Shards:     out,
	}, nil
}

// Initiate opens a recovery request. At most one pending request per user is
// allowed; a second attempt while one is live returns ErrConflict.
func (s *RecoveryService) Initiate(ctx context.Context, userID string) (*InitiateResult, error) {
	if !util.ValidSubjectID(userID) {
		return nil, ErrInvalidInput
	}

	method, err := s.recovery.GetMethod(userID, model.RecoveryMethodSocial)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if method == nil || !method.Enabled {
		return nil, ErrNotConfigured
	}

	contacts, err := s.recovery.ListContacts(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(contacts) == 0 {
		return nil, ErrNotConfigured
	}

	cfg, err := s.openConfig(ctx, method)
	if err != nil {
		return nil, err
	}

	token, err := hashing.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := time.Now().UTC()
	req := &model.RecoveryRequest{
		RequestID:       uuid.New().String(),
		UserID:          userID,
		RecoveryID:      cfg.RecoveryID,
		TokenHash:       hashing.HashToken(token),
		Threshold:       method.Threshold,
		Status:          model.RecoveryStatusPending,
		ShardsCollected: 0,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.config.Recovery.RequestTTL),
	}

	created, err := s.recovery.CreateRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !created {
		return nil, ErrConflict
	}

	recipients := make([]string, 0, len(contacts))
	for _, c := range contacts {
		if c.RecoveryID == cfg.RecoveryID {
			recipients = append(recipients, c.ContactEmail)
		}
	}
	s.notifier.Publish(ctx, &notify.Event{
		Kind:       notify.EventRecoveryInitiated,
		SubjectID:  userID,
		Recipients: recipients,
		Detail:     map[string]string{"request_id": req.RequestID},
	})

	util.Info("Recovery request initiated",
		zap.String("user_id", userID),
		zap.String("request_id", req.RequestID),
		zap.Int("threshold", req.Threshold))

	return &InitiateResult{
		RequestID: req.RequestID,
		Token:     token,
		Threshold: req.Threshold,
		ExpiresAt: req.ExpiresAt,
	}, nil
}

// SubmitShard records one contact's shard. Each contact counts once per
// request; the collected count is always recomputed from stored rows. The
// submission that reaches the threshold completes the request; the owner then
// pulls the shards with CollectShards and combines them locally.
func (s *RecoveryService) SubmitShard(ctx context.Context, requestID, token, contactEmail, shardB64 string) (*SubmitResult, error) {
	if requestID == "" || token == "" {
		return nil, ErrInvalidInput
	}
	email, ok := util.NormalizeEmail(contactEmail)
	if !ok {
		return nil, ErrInvalidInput
	}
	shard, err := hashing.DecodeB64(shardB64)
	if err != nil {
		return nil, ErrInvalidInput
	}

	req, err := s.recovery.GetRequest(requestID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if req == nil {
		return nil, s.deny(requestID, "unknown request")
	}
	if !hashing.ConstantTimeEqual([]byte(hashing.HashToken(token)), []byte(req.TokenHash)) {
		return nil, s.deny(requestID, "bad request token")
	}

	switch req.Status {
	case model.RecoveryStatusPending:
	case model.RecoveryStatusExpired:
		return nil, ErrExpired
	default:
		return nil, s.deny(requestID, fmt.Sprintf("request is %s", req.Status))
	}

	if time.Now().UTC().After(req.ExpiresAt) {
		s.expireRequest(ctx, req)
		return nil, ErrExpired
	}

	// Only contacts of the current shard generation may submit.
	contacts, err := s.recovery.ListContacts(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	known := false
	for _, c := range contacts {
		if c.RecoveryID == req.RecoveryID && c.ContactEmail == email {
			known = true
			break
		}
	}
	if !known {
		return nil, s.deny(requestID, "submitter is not a contact")
	}

	inserted, err := s.recovery.InsertSubmission(&model.RecoveryShardSubmission{
		RequestID:    requestID,
		ContactEmail: email,
		Shard:        hashing.EncodeB64(shard),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !inserted {
		return nil, ErrConflict
	}

	count, err := s.recovery.CountSubmissions(requestID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.recovery.UpdateRequestStatus(requestID, model.RecoveryStatusPending, count); err != nil {
		util.Warn("Failed to record shard count",
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	result := &SubmitResult{
		Status:          model.RecoveryStatusPending,
		ShardsCollected: count,
		Threshold:       req.Threshold,
	}
	if count < req.Threshold {
		return result, nil
	}

	if err := s.recovery.UpdateRequestStatus(requestID, model.RecoveryStatusCompleted, count); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.recovery.ClearPending(req.UserID, requestID); err != nil {
		util.Warn("Failed to release pending recovery slot",
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	s.notifier.Publish(ctx, &notify.Event{
		Kind:      notify.EventRecoveryCompleted,
		SubjectID: req.UserID,
		Detail:    map[string]string{"request_id": requestID},
	})

	util.Info("Recovery request completed",
		zap.String("user_id", req.UserID),
		zap.String("request_id", requestID),
		zap.Int("shards_collected", count))

	result.Status = model.RecoveryStatusCompleted
	return result, nil
}

// CollectShards serves the submissions gathered so far to whoever holds the
// request token. Reconstruction is the caller's job: shamir combination never
// happens on the keeper, so the recovery secret never exists here in plain.
func (s *RecoveryService) CollectShards(ctx context.Context, requestID, token string) (*CollectResult, error) {
	if requestID == "" || token == "" {
		return nil, ErrInvalidInput
	}

	req, err := s.recovery.GetRequest(requestID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if req == nil {
		return nil, s.deny(requestID, "unknown request")
	}
	if !hashing.ConstantTimeEqual([]byte(hashing.HashToken(token)), []byte(req.TokenHash)) {
		return nil, s.deny(requestID, "bad request token")
	}

	switch req.Status {
	case model.RecoveryStatusPending, model.RecoveryStatusCompleted:
	case model.RecoveryStatusExpired:
		return nil, ErrExpired
	default:
		return nil, s.deny(requestID, fmt.Sprintf("request is %s", req.Status))
	}
	if req.Status == model.RecoveryStatusPending && time.Now().UTC().After(req.ExpiresAt) {
		s.expireRequest(ctx, req)
		return nil, ErrExpired
	}

	method, err := s.recovery.GetMethod(req.UserID, model.RecoveryMethodSocial)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if method == nil {
		return nil, ErrNotConfigured
	}
	cfg, err := s.openConfig(ctx, method)
	if err != nil {
		return nil, err
	}
	if cfg.RecoveryID != req.RecoveryID {
		return nil, s.deny(requestID, "shard generation rotated since the request opened")
	}

	subs, err := s.recovery.ListSubmissions(requestID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	shards := make([]CollectedShard, 0, len(subs))
	for _, sub := range subs {
		shards = append(shards, CollectedShard{
			ContactEmail: sub.ContactEmail,
			Shard:        sub.Shard,
		})
	}

	util.Info("Recovery shards collected by token holder",
		zap.String("user_id", req.UserID),
		zap.String("request_id", requestID),
		zap.Int("shards", len(shards)))

	return &CollectResult{
		Status:          req.Status,
		Threshold:       req.Threshold,
		ShardsCollected: len(shards),
		SecretHash:      cfg.SecretHash,
		Shards:          shards,
	}, nil
}

// Cancel lets the owner abandon a pending request.
func (s *RecoveryService) Cancel(ctx context.Context, userID, requestID string) error {
	if !util.ValidSubjectID(userID) || requestID == "" {
		return ErrInvalidInput
	}

	req, err := s.recovery.GetRequest(requestID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if req == nil || req.UserID != userID {
		return ErrDenied
	}
	if req.Status != model.RecoveryStatusPending {
		return ErrConflict
	}

	if err := s.recovery.UpdateRequestStatus(requestID, model.RecoveryStatusCancelled, req.ShardsCollected); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.recovery.ClearPending(userID, requestID); err != nil {
		util.Warn("Failed to release pending recovery slot",
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	util.Info("Recovery request cancelled",
		zap.String("user_id", userID),
		zap.String("request_id", requestID))

	return nil
}

// ExpireOld transitions every pending request past its deadline. Shards
// configured for the user are untouched; only requests age out.
func (s *RecoveryService) ExpireOld(ctx context.Context) (int, error) {
	pending, err := s.recovery.ListPendingRequests()
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
		util.Info("Expired stale recovery requests", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *RecoveryService) expireRequest(ctx context.Context, req *model.RecoveryRequest) {
	if err := s.recovery.UpdateRequestStatus(req.RequestID, model.RecoveryStatusExpired, req.ShardsCollected); err != nil {
		util.Error("Failed to expire recovery request",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return
	}
	if err := s.recovery.ClearPending(req.UserID, req.RequestID); err != nil {
		util.Warn("Failed to release pending recovery slot",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}
	s.notifier.Publish(ctx, &notify.Event{
		Kind:      notify.EventRecoveryExpired,
		SubjectID: req.UserID,
		Detail:    map[string]string{"request_id": req.RequestID},
	})
}

func (s *RecoveryService) openConfig(ctx context.Context, method *model.RecoveryMethod) (*socialConfig, error) {
	raw, err := s.envelope.OpenFromString(ctx, method.EncryptedConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cfg := &socialConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: corrupt recovery config", ErrUnavailable)
	}
	return cfg, nil
}

func (s *RecoveryService) deny(requestID, reason string) error {
	util.Warn("Recovery submission denied",
		zap.String("request_id", requestID),
		zap.String("reason", reason))
	return ErrDenied
}
