package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"vault-service/internal/bucketing"
	"vault-service/internal/model"
	"vault-service/internal/util"
)

type ScyllaRecoveryRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewRecoveryRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *ScyllaRecoveryRepository {
	return &ScyllaRecoveryRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *ScyllaRecoveryRepository) UpsertMethod(m *model.RecoveryMethod) error {
	m.UpdatedAt = time.Now().UTC()

	bucket := r.buckets.GetUserBucket(m.UserID)
	query := r.client.Prepared.UpsertRecoveryMethod.Bind(
		bucket, m.UserID, string(m.MethodType), m.EncryptedConfig,
		m.Threshold, m.Enabled, m.UpdatedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to upsert recovery method",
			zap.String("user_id", m.UserID),
			zap.String("method_type", string(m.MethodType)),
			zap.Error(err))
		return fmt.Errorf("failed to upsert recovery method: %w", err)
	}

	util.Info("Recovery method stored",
		zap.String("user_id", m.UserID),
		zap.String("method_type", string(m.MethodType)))

	return nil
}

func (r *ScyllaRecoveryRepository) GetMethod(userID string, methodType model.RecoveryMethodType) (*model.RecoveryMethod, error) {
	m := &model.RecoveryMethod{
		UserID:     userID,
		MethodType: methodType,
	}

	bucket := r.buckets.GetUserBucket(userID)
	query := r.client.Prepared.GetRecoveryMethod.Bind(bucket, userID, string(methodType))

	err := r.client.ScanWithRetry(query, &m.EncryptedConfig, &m.Threshold, &m.Enabled, &m.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get recovery method",
			zap.String("user_id", userID),
			zap.String("method_type", string(methodType)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get recovery method: %w", err)
	}

	return m, nil
}

// ReplaceContacts drops every prior shard generation before inserting the new
// one, so stale shards can never combine with fresh ones.
func (r *ScyllaRecoveryRepository) ReplaceContacts(userID string, contacts []*model.RecoveryContact) error {
	bucket := r.buckets.GetUserBucket(userID)

	deleteQuery := r.client.Prepared.DeleteRecoveryContacts.Bind(bucket, userID)
	if err := r.client.ExecuteWithRetry(deleteQuery, 2); err != nil {
		util.Error("Failed to delete prior recovery contacts",
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("failed to delete prior recovery contacts: %w", err)
	}

	now := time.Now().UTC()
	for _, c := range contacts {
		c.CreatedAt = now
		query := r.client.Prepared.InsertRecoveryContact.Bind(
			bucket, userID, c.RecoveryID, c.ContactEmail, c.ShareIndex, c.EncryptedShard, c.CreatedAt)
		if err := r.client.ExecuteWithRetry(query, 2); err != nil {
			util.Error("Failed to insert recovery contact",
				zap.String("user_id", userID),
				zap.String("contact_email", c.ContactEmail),
				zap.Error(err))
			return fmt.Errorf("failed to insert recovery contact: %w", err)
		}
	}

	util.Info("Recovery contacts replaced",
		zap.String("user_id", userID),
		zap.Int("contact_count", len(contacts)))

	return nil
}

func (r *ScyllaRecoveryRepository) ListContacts(userID string) ([]*model.RecoveryContact, error) {
	bucket := r.buckets.GetUserBucket(userID)
	iter := r.client.Prepared.ListRecoveryContacts.Bind(bucket, userID).Iter()

	var contacts []*model.RecoveryContact
	for {
		c := &model.RecoveryContact{UserID: userID}
		if !iter.Scan(&c.RecoveryID, &c.ContactEmail, &c.ShareIndex, &c.EncryptedShard, &c.CreatedAt) {
			break
		}
		contacts = append(contacts, c)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list recovery contacts",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list recovery contacts: %w", err)
	}

	return contacts, nil
}

// CreateRequest claims the single-pending-request slot for the user with a
// conditional insert. It returns false without error when another live
// request already holds the slot.
func (r *ScyllaRecoveryRepository) CreateRequest(req *model.RecoveryRequest) (bool, error) {
	bucket := r.buckets.GetUserBucket(req.UserID)

	prior := make(map[string]interface{})
	pendingQuery := r.client.Prepared.InsertRecoveryPending.Bind(
		bucket, req.UserID, req.RequestID, req.ExpiresAt)

	applied, err := pendingQuery.MapScanCAS(prior)
	if err != nil {
		util.Error("Failed to claim pending recovery slot",
			zap.String("user_id", req.UserID),
			zap.Error(err))
		return false, fmt.Errorf("failed to claim pending recovery slot: %w", err)
	}

	if !applied {
		priorID, _ := prior["request_id"].(string)
		priorExpiry, _ := prior["expires_at"].(time.Time)

		if time.Now().UTC().Before(priorExpiry) {
			return false, nil
		}

		// The slot holder expired; take it over conditionally so two
		// concurrent initiations cannot both win.
		swapQuery := r.client.Prepared.SwapRecoveryPending.Bind(
			req.RequestID, req.ExpiresAt, bucket, req.UserID, priorID)
		swapped, err := swapQuery.MapScanCAS(make(map[string]interface{}))
		if err != nil {
			return false, fmt.Errorf("failed to take over pending recovery slot: %w", err)
		}
		if !swapped {
			return false, nil
		}
	}

	query := r.client.Prepared.InsertRecoveryRequest.Bind(
		req.RequestID, req.UserID, req.RecoveryID, req.TokenHash, req.Threshold,
		string(req.Status), req.ShardsCollected, req.CreatedAt, req.ExpiresAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to insert recovery request",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return false, fmt.Errorf("failed to insert recovery request: %w", err)
	}

	util.Info("Recovery request created",
		zap.String("request_id", req.RequestID),
		zap.String("user_id", req.UserID))

	return true, nil
}

func (r *ScyllaRecoveryRepository) GetRequest(requestID string) (*model.RecoveryRequest, error) {
	req := &model.RecoveryRequest{RequestID: requestID}

	var status string
	query := r.client.Prepared.GetRecoveryRequest.Bind(requestID)

	err := r.client.ScanWithRetry(query,
		&req.UserID, &req.RecoveryID, &req.TokenHash, &req.Threshold,
		&status, &req.ShardsCollected, &req.CreatedAt, &req.ExpiresAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get recovery request",
			zap.String("request_id", requestID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get recovery request: %w", err)
	}

	req.Status = model.RecoveryRequestStatus(status)
	return req, nil
}

func (r *ScyllaRecoveryRepository) UpdateRequestStatus(requestID string, status model.RecoveryRequestStatus, shardsCollected int) error {
	query := r.client.Prepared.UpdateRecoveryRequest.Bind(string(status), shardsCollected, requestID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update recovery request status",
			zap.String("request_id", requestID),
			zap.String("status", string(status)),
			zap.Error(err))
		return fmt.Errorf("failed to update recovery request status: %w", err)
	}

	return nil
}

func (r *ScyllaRecoveryRepository) ListPendingRequests() ([]*model.RecoveryRequest, error) {
	iter := r.client.Prepared.ListPendingRecovery.Iter()

	var requests []*model.RecoveryRequest
	for {
		req := &model.RecoveryRequest{}
		var status string
		if !iter.Scan(&req.RequestID, &req.UserID, &req.RecoveryID, &req.TokenHash,
			&req.Threshold, &status, &req.ShardsCollected, &req.CreatedAt, &req.ExpiresAt) {
			break
		}
		req.Status = model.RecoveryRequestStatus(status)
		requests = append(requests, req)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list pending recovery requests", zap.Error(err))
		return nil, fmt.Errorf("failed to list pending recovery requests: %w", err)
	}

	return requests, nil
}

// ClearPending releases the pending slot only when the given request still
// holds it, so a newer request's slot is never released by an older one.
func (r *ScyllaRecoveryRepository) ClearPending(userID, requestID string) error {
	bucket := r.buckets.GetUserBucket(userID)
	query := r.client.Prepared.DeleteRecoveryPending.Bind(bucket, userID, requestID)

	if _, err := query.MapScanCAS(make(map[string]interface{})); err != nil {
		util.Error("Failed to clear pending recovery slot",
			zap.String("user_id", userID),
			zap.String("request_id", requestID),
			zap.Error(err))
		return fmt.Errorf("failed to clear pending recovery slot: %w", err)
	}

	return nil
}

// InsertSubmission records one contact's shard. It returns false without
// error when the contact already submitted for this request.
func (r *ScyllaRecoveryRepository) InsertSubmission(sub *model.RecoveryShardSubmission) (bool, error) {
	sub.SubmittedAt = time.Now().UTC()

	query := r.client.Prepared.InsertShardSubmission.Bind(
		sub.RequestID, sub.ContactEmail, sub.Shard, sub.SubmittedAt)

	applied, err := query.MapScanCAS(make(map[string]interface{}))
	if err != nil {
		util.Error("Failed to insert shard submission",
			zap.String("request_id", sub.RequestID),
			zap.Error(err))
		return false, fmt.Errorf("failed to insert shard submission: %w", err)
	}

	return applied, nil
}

func (r *ScyllaRecoveryRepository) CountSubmissions(requestID string) (int, error) {
	var count int
	query := r.client.Prepared.CountShardSubmissions.Bind(requestID)

	if err := r.client.ScanWithRetry(query, &count); err != nil {
		util.Error("Failed to count shard submissions",
			zap.String("request_id", requestID),
			zap.Error(err))
		return 0, fmt.Errorf("failed to count shard submissions: %w", err)
	}

	return count, nil
}

func (r *ScyllaRecoveryRepository) ListSubmissions(requestID string) ([]*model.RecoveryShardSubmission, error) {
	iter := r.client.Prepared.ListShardSubmissions.Bind(requestID).Iter()

	var subs []*model.RecoveryShardSubmission
	for {
		sub := &model.RecoveryShardSubmission{RequestID: requestID}
		if !iter.Scan(&sub.ContactEmail, &sub.Shard, &sub.SubmittedAt) {
			break
		}
		subs = append(subs, sub)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list shard submissions",
			zap.String("request_id", requestID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list shard submissions: %w", err)
	}

	return subs, nil
}
