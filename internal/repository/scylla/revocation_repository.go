package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"vault-service/internal/util"
)

// ScyllaRevocationRepository reads the capability_revocations table written by
// the capability issuer. This service never writes to it.
type ScyllaRevocationRepository struct {
	client *ScyllaClient
}

func NewRevocationRepository(client *ScyllaClient) *ScyllaRevocationRepository {
	return &ScyllaRevocationRepository{
		client: client,
	}
}

func (r *ScyllaRevocationRepository) IsRevoked(capabilityID string) (bool, error) {
	var revokedAt time.Time
	var reason string

	query := r.client.Prepared.GetRevocation.Bind(capabilityID)

	err := r.client.ScanWithRetry(query, &revokedAt, &reason)
	if err != nil {
		if err == gocql.ErrNotFound {
			return false, nil
		}
		util.Error("Failed to check capability revocation",
			zap.String("capability_id", capabilityID),
			zap.Error(err))
		return false, fmt.Errorf("failed to check capability revocation: %w", err)
	}

	util.Warn("Revoked capability presented",
		zap.String("capability_id", capabilityID),
		zap.Time("revoked_at", revokedAt),
		zap.String("reason", reason))

	return true, nil
}
