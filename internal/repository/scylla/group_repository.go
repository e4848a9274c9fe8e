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

type ScyllaGroupRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewGroupRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *ScyllaGroupRepository {
	return &ScyllaGroupRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *ScyllaGroupRepository) UpsertGroupVault(gv *model.GroupVault) error {
	now := time.Now().UTC()
	if gv.CreatedAt.IsZero() {
		gv.CreatedAt = now
	}
	gv.UpdatedAt = now

	bucket := r.buckets.GetGroupBucket(gv.GroupID)
	query := r.client.Prepared.UpsertGroupVault.Bind(
		bucket, gv.GroupID, gv.ContainerID, gv.EncryptedVaultBlob,
		gv.RequiredApprovals, string(gv.Status), gv.CreatedAt, gv.UpdatedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to upsert group vault",
			zap.String("group_id", gv.GroupID),
			zap.Error(err))
		return fmt.Errorf("failed to upsert group vault: %w", err)
	}

	util.Info("Group vault stored",
		zap.String("group_id", gv.GroupID),
		zap.Int("required_approvals", gv.RequiredApprovals))

	return nil
}

func (r *ScyllaGroupRepository) GetGroupVault(groupID string) (*model.GroupVault, error) {
	gv := &model.GroupVault{GroupID: groupID}

	var status string
	bucket := r.buckets.GetGroupBucket(groupID)
	query := r.client.Prepared.GetGroupVault.Bind(bucket, groupID)

	err := r.client.ScanWithRetry(query,
		&gv.ContainerID, &gv.EncryptedVaultBlob, &gv.RequiredApprovals,
		&status, &gv.CreatedAt, &gv.UpdatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get group vault",
			zap.String("group_id", groupID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get group vault: %w", err)
	}

	gv.Status = model.GroupVaultStatus(status)
	return gv, nil
}

// CreateUnlockRequest claims the single-pending-request slot for the group
// with a conditional insert. It returns false without error when another
// live request already holds the slot.
func (r *ScyllaGroupRepository) CreateUnlockRequest(req *model.GroupUnlockRequest) (bool, error) {
	bucket := r.buckets.GetGroupBucket(req.GroupID)

	prior := make(map[string]interface{})
	pendingQuery := r.client.Prepared.InsertGroupPending.Bind(
		bucket, req.GroupID, req.RequestID, req.ExpiresAt)

	applied, err := pendingQuery.MapScanCAS(prior)
	if err != nil {
		util.Error("Failed to claim pending group unlock slot",
			zap.String("group_id", req.GroupID),
			zap.Error(err))
		return false, fmt.Errorf("failed to claim pending group unlock slot: %w", err)
	}

	if !applied {
		priorID, _ := prior["request_id"].(string)
		priorExpiry, _ := prior["expires_at"].(time.Time)

		if time.Now().UTC().Before(priorExpiry) {
			return false, nil
		}

		swapQuery := r.client.Prepared.SwapGroupPending.Bind(
			req.RequestID, req.ExpiresAt, bucket, req.GroupID, priorID)
		swapped, err := swapQuery.MapScanCAS(make(map[string]interface{}))
		if err != nil {
			return false, fmt.Errorf("failed to take over pending group unlock slot: %w", err)
		}
		if !swapped {
			return false, nil
		}
	}

	query := r.client.Prepared.InsertGroupRequest.Bind(
		req.RequestID, req.GroupID, req.RequestedBy, req.Reason, string(req.Status),
		req.RequiredApprovals, req.EncryptedSessionKey, req.CreatedAt, req.ExpiresAt,
		req.UnlockedAt, req.UnlockExpiresAt, req.LockedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to insert group unlock request",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return false, fmt.Errorf("failed to insert group unlock request: %w", err)
	}

	util.Info("Group unlock request created",
		zap.String("request_id", req.RequestID),
		zap.String("group_id", req.GroupID),
		zap.Int("required_approvals", req.RequiredApprovals))

	return true, nil
}

func (r *ScyllaGroupRepository) GetUnlockRequest(requestID string) (*model.GroupUnlockRequest, error) {
	req := &model.GroupUnlockRequest{RequestID: requestID}

	var status string
	query := r.client.Prepared.GetGroupRequest.Bind(requestID)

	err := r.client.ScanWithRetry(query,
		&req.GroupID, &req.RequestedBy, &req.Reason, &status, &req.RequiredApprovals,
		&req.EncryptedSessionKey, &req.CreatedAt, &req.ExpiresAt,
		&req.UnlockedAt, &req.UnlockExpiresAt, &req.LockedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get group unlock request",
			zap.String("request_id", requestID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get group unlock request: %w", err)
	}

	req.Status = model.GroupUnlockStatus(status)
	return req, nil
}

func (r *ScyllaGroupRepository) UpdateUnlockRequest(req *model.GroupUnlockRequest) error {
	query := r.client.Prepared.UpdateGroupRequest.Bind(
		string(req.Status), req.EncryptedSessionKey,
		req.UnlockedAt, req.UnlockExpiresAt, req.LockedAt, req.RequestID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update group unlock request",
			zap.String("request_id", req.RequestID),
			zap.String("status", string(req.Status)),
			zap.Error(err))
		return fmt.Errorf("failed to update group unlock request: %w", err)
	}

	return nil
}

func (r *ScyllaGroupRepository) ListPendingRequests() ([]*model.GroupUnlockRequest, error) {
	iter := r.client.Prepared.ListPendingGroup.Iter()

	var requests []*model.GroupUnlockRequest
	for {
		req := &model.GroupUnlockRequest{}
		var status string
		if !iter.Scan(&req.RequestID, &req.GroupID, &req.RequestedBy, &req.Reason,
			&status, &req.RequiredApprovals, &req.EncryptedSessionKey,
			&req.CreatedAt, &req.ExpiresAt, &req.UnlockedAt, &req.UnlockExpiresAt, &req.LockedAt) {
			break
		}
		req.Status = model.GroupUnlockStatus(status)
		requests = append(requests, req)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list pending group unlock requests", zap.Error(err))
		return nil, fmt.Errorf("failed to list pending group unlock requests: %w", err)
	}

	return requests, nil
}

func (r *ScyllaGroupRepository) ClearPending(groupID, requestID string) error {
	bucket := r.buckets.GetGroupBucket(groupID)
	query := r.client.Prepared.DeleteGroupPending.Bind(bucket, groupID, requestID)

	if _, err := query.MapScanCAS(make(map[string]interface{})); err != nil {
		util.Error("Failed to clear pending group unlock slot",
			zap.String("group_id", groupID),
			zap.String("request_id", requestID),
			zap.Error(err))
		return fmt.Errorf("failed to clear pending group unlock slot: %w", err)
	}

	return nil
}

// InsertApproval records one member's approval. It returns false without
// error when the member already approved this request.
func (r *ScyllaGroupRepository) InsertApproval(a *model.GroupUnlockApproval) (bool, error) {
	a.ApprovedAt = time.Now().UTC()

	query := r.client.Prepared.InsertGroupApproval.Bind(a.RequestID, a.ApprovedBy, a.ApprovedAt)

	applied, err := query.MapScanCAS(make(map[string]interface{}))
	if err != nil {
		util.Error("Failed to insert group unlock approval",
			zap.String("request_id", a.RequestID),
			zap.String("approved_by", a.ApprovedBy),
			zap.Error(err))
		return false, fmt.Errorf("failed to insert group unlock approval: %w", err)
	}

	return applied, nil
}

func (r *ScyllaGroupRepository) CountApprovals(requestID string) (int, error) {
	var count int
	query := r.client.Prepared.CountGroupApprovals.Bind(requestID)

	if err := r.client.ScanWithRetry(query, &count); err != nil {
		util.Error("Failed to count group unlock approvals",
			zap.String("request_id", requestID),
			zap.Error(err))
		return 0, fmt.Errorf("failed to count group unlock approvals: %w", err)
	}

	return count, nil
}
