package scylla

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"vault-service/internal/bucketing"
	"vault-service/internal/model"
	"vault-service/internal/util"
)

type ScyllaSessionRecordRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewSessionRecordRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *ScyllaSessionRecordRepository {
	return &ScyllaSessionRecordRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *ScyllaSessionRecordRepository) ListRecords(userID string) ([]*model.SessionRecord, error) {
	bucket := r.buckets.GetUserBucket(userID)
	iter := r.client.Prepared.ListSessionRecords.Bind(bucket, userID).Iter()

	var records []*model.SessionRecord
	for {
		rec := &model.SessionRecord{UserID: userID}
		if !iter.Scan(&rec.RecordID, &rec.Format, &rec.Payload, &rec.UpdatedAt) {
			break
		}
		records = append(records, rec)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list session records",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}

	return records, nil
}

func (r *ScyllaSessionRecordRepository) UpdateRecord(rec *model.SessionRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	bucket := r.buckets.GetUserBucket(rec.UserID)
	query := r.client.Prepared.UpdateSessionRecord.Bind(
		bucket, rec.UserID, rec.RecordID, rec.Format, rec.Payload, rec.UpdatedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update session record",
			zap.String("user_id", rec.UserID),
			zap.String("record_id", rec.RecordID),
			zap.Error(err))
		return fmt.Errorf("failed to update session record: %w", err)
	}

	return nil
}
