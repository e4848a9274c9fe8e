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

type ScyllaDeviceKeyRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewDeviceKeyRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *ScyllaDeviceKeyRepository {
	return &ScyllaDeviceKeyRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *ScyllaDeviceKeyRepository) CreateDeviceKey(dk *model.DeviceKey) error {
	if dk.CreatedAt.IsZero() {
		dk.CreatedAt = time.Now().UTC()
	}

	bucket := r.buckets.GetUserBucket(dk.UserID)
	query := r.client.Prepared.CreateDeviceKey.Bind(
		bucket, dk.UserID, dk.DeviceFingerprint, dk.DeviceName, dk.EncryptedDeviceKey,
		dk.WebauthnCredentialID, dk.WebauthnPublicKey, dk.WebauthnCounter,
		dk.NeedsReenroll, dk.CreatedAt, dk.LastUsedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create device key",
			zap.String("user_id", dk.UserID),
			zap.String("device_fingerprint", dk.DeviceFingerprint),
			zap.Error(err))
		return fmt.Errorf("failed to create device key: %w", err)
	}

	util.Info("Device key created",
		zap.String("user_id", dk.UserID),
		zap.String("device_name", dk.DeviceName))

	return nil
}

func (r *ScyllaDeviceKeyRepository) GetDeviceKey(userID, fingerprint string) (*model.DeviceKey, error) {
	dk := &model.DeviceKey{
		UserID:            userID,
		DeviceFingerprint: fingerprint,
	}

	bucket := r.buckets.GetUserBucket(userID)
	query := r.client.Prepared.GetDeviceKey.Bind(bucket, userID, fingerprint)

	err := r.client.ScanWithRetry(query,
		&dk.DeviceName, &dk.EncryptedDeviceKey, &dk.WebauthnCredentialID, &dk.WebauthnPublicKey,
		&dk.WebauthnCounter, &dk.NeedsReenroll, &dk.CreatedAt, &dk.LastUsedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get device key",
			zap.String("user_id", userID),
			zap.String("device_fingerprint", fingerprint),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get device key: %w", err)
	}

	return dk, nil
}

func (r *ScyllaDeviceKeyRepository) ListDeviceKeys(userID string) ([]*model.DeviceKey, error) {
	bucket := r.buckets.GetUserBucket(userID)
	iter := r.client.Prepared.ListDeviceKeys.Bind(bucket, userID).Iter()

	var keys []*model.DeviceKey
	for {
		dk := &model.DeviceKey{UserID: userID}
		if !iter.Scan(&dk.DeviceFingerprint, &dk.DeviceName, &dk.EncryptedDeviceKey,
			&dk.WebauthnCredentialID, &dk.WebauthnPublicKey, &dk.WebauthnCounter,
			&dk.NeedsReenroll, &dk.CreatedAt, &dk.LastUsedAt) {
			break
		}
		keys = append(keys, dk)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list device keys",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list device keys: %w", err)
	}

	return keys, nil
}

func (r *ScyllaDeviceKeyRepository) UpdateDeviceUsage(userID, fingerprint string, counter uint32, lastUsed time.Time) error {
	bucket := r.buckets.GetUserBucket(userID)
	query := r.client.Prepared.UpdateDeviceUsage.Bind(counter, lastUsed, bucket, userID, fingerprint)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update device key usage",
			zap.String("user_id", userID),
			zap.String("device_fingerprint", fingerprint),
			zap.Error(err))
		return fmt.Errorf("failed to update device key usage: %w", err)
	}

	return nil
}

func (r *ScyllaDeviceKeyRepository) FlagReenroll(userID, fingerprint string) error {
	bucket := r.buckets.GetUserBucket(userID)
	query := r.client.Prepared.FlagDeviceKey.Bind(true, bucket, userID, fingerprint)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to flag device key for re-enrollment",
			zap.String("user_id", userID),
			zap.String("device_fingerprint", fingerprint),
			zap.Error(err))
		return fmt.Errorf("failed to flag device key for re-enrollment: %w", err)
	}

	util.Warn("Device key flagged for re-enrollment",
		zap.String("user_id", userID),
		zap.String("device_fingerprint", fingerprint))

	return nil
}

func (r *ScyllaDeviceKeyRepository) DeleteDeviceKey(userID, fingerprint string) error {
	bucket := r.buckets.GetUserBucket(userID)
	query := r.client.Prepared.DeleteDeviceKey.Bind(bucket, userID, fingerprint)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to delete device key",
			zap.String("user_id", userID),
			zap.String("device_fingerprint", fingerprint),
			zap.Error(err))
		return fmt.Errorf("failed to delete device key: %w", err)
	}

	util.Info("Device key deleted",
		zap.String("user_id", userID),
		zap.String("device_fingerprint", fingerprint))

	return nil
}
