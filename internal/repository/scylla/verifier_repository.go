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

type ScyllaVerifierRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewVerifierRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *ScyllaVerifierRepository {
	return &ScyllaVerifierRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *ScyllaVerifierRepository) UpsertVerifier(v *model.VaultVerifier) error {
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	bucket := r.buckets.GetUserBucket(v.SubjectID)
	query := r.client.Prepared.UpsertVerifier.Bind(
		bucket, v.SubjectID, string(v.Kind), v.Salt, v.Verifier, v.CreatedAt, v.UpdatedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to upsert vault verifier",
			zap.String("subject_id", v.SubjectID),
			zap.String("kind", string(v.Kind)),
			zap.Error(err))
		return fmt.Errorf("failed to upsert vault verifier: %w", err)
	}

	util.Info("Vault verifier stored",
		zap.String("subject_id", v.SubjectID),
		zap.String("kind", string(v.Kind)))

	return nil
}

func (r *ScyllaVerifierRepository) GetVerifier(subjectID string, kind model.VaultKind) (*model.VaultVerifier, error) {
	v := &model.VaultVerifier{
		SubjectID: subjectID,
		Kind:      kind,
	}

	bucket := r.buckets.GetUserBucket(subjectID)
	query := r.client.Prepared.GetVerifier.Bind(bucket, subjectID, string(kind))

	err := r.client.ScanWithRetry(query, &v.Salt, &v.Verifier, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get vault verifier",
			zap.String("subject_id", subjectID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get vault verifier: %w", err)
	}

	return v, nil
}
