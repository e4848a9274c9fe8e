package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"vault-service/internal/config"
	"vault-service/internal/util"
)

// PreparedStatements holds prepared statements that are actually used by the repositories
type PreparedStatements struct {
	// vault verifiers
	UpsertVerifier *gocql.Query
	GetVerifier    *gocql.Query

	// device keys
	CreateDeviceKey   *gocql.Query
	GetDeviceKey      *gocql.Query
	ListDeviceKeys    *gocql.Query
	UpdateDeviceUsage *gocql.Query
	FlagDeviceKey     *gocql.Query
	DeleteDeviceKey   *gocql.Query

	// recovery
	UpsertRecoveryMethod  *gocql.Query
	GetRecoveryMethod     *gocql.Query
	InsertRecoveryContact *gocql.Query
	ListRecoveryContacts  *gocql.Query
	DeleteRecoveryContacts *gocql.Query
	InsertRecoveryRequest *gocql.Query
	GetRecoveryRequest    *gocql.Query
	UpdateRecoveryRequest *gocql.Query
	ListPendingRecovery   *gocql.Query
	InsertRecoveryPending *gocql.Query
	GetRecoveryPending    *gocql.Query
	SwapRecoveryPending   *gocql.Query
	DeleteRecoveryPending *gocql.Query
	InsertShardSubmission *gocql.Query
	CountShardSubmissions *gocql.Query
	ListShardSubmissions  *gocql.Query

	// group vaults
	UpsertGroupVault     *gocql.Query
	GetGroupVault        *gocql.Query
	InsertGroupRequest   *gocql.Query
	GetGroupRequest      *gocql.Query
	UpdateGroupRequest   *gocql.Query
	ListPendingGroup     *gocql.Query
	InsertGroupPending   *gocql.Query
	GetGroupPending      *gocql.Query
	SwapGroupPending     *gocql.Query
	DeleteGroupPending   *gocql.Query
	InsertGroupApproval  *gocql.Query
	CountGroupApprovals  *gocql.Query

	// session records
	ListSessionRecords  *gocql.Query
	UpdateSessionRecord *gocql.Query

	// capability revocations
	GetRevocation *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.UpsertVerifier = s.Session.Query(`
        INSERT INTO vault_verifiers (user_bucket, subject_id, kind, salt, verifier, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetVerifier = s.Session.Query(`
        SELECT salt, verifier, created_at, updated_at
        FROM vault_verifiers WHERE user_bucket = ? AND subject_id = ? AND kind = ?`)

	prepared.CreateDeviceKey = s.Session.Query(`
        INSERT INTO device_keys (
            user_bucket, user_id, device_fingerprint, device_name, encrypted_device_key,
            webauthn_credential_id, webauthn_public_key, webauthn_counter,
            needs_reenroll, created_at, last_used_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetDeviceKey = s.Session.Query(`
        SELECT device_name, encrypted_device_key, webauthn_credential_id, webauthn_public_key,
            webauthn_counter, needs_reenroll, created_at, last_used_at
        FROM device_keys WHERE user_bucket = ? AND user_id = ? AND device_fingerprint = ?`)

	prepared.ListDeviceKeys = s.Session.Query(`
        SELECT device_fingerprint, device_name, encrypted_device_key, webauthn_credential_id,
            webauthn_public_key, webauthn_counter, needs_reenroll, created_at, last_used_at
        FROM device_keys WHERE user_bucket = ? AND user_id = ?`)

	prepared.UpdateDeviceUsage = s.Session.Query(`
        UPDATE device_keys SET webauthn_counter = ?, last_used_at = ?
        WHERE user_bucket = ? AND user_id = ? AND device_fingerprint = ?`)

	prepared.FlagDeviceKey = s.Session.Query(`
        UPDATE device_keys SET needs_reenroll = ?
        WHERE user_bucket = ? AND user_id = ? AND device_fingerprint = ?`)

	prepared.DeleteDeviceKey = s.Session.Query(`
        DELETE FROM device_keys WHERE user_bucket = ? AND user_id = ? AND device_fingerprint = ?`)

	prepared.UpsertRecoveryMethod = s.Session.Query(`
        INSERT INTO recovery_methods (user_bucket, user_id, method_type, encrypted_config, threshold, enabled, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetRecoveryMethod = s.Session.Query(`
        SELECT encrypted_config, threshold, enabled, updated_at
        FROM recovery_methods WHERE user_bucket = ? AND user_id = ? AND method_type = ?`)

	prepared.InsertRecoveryContact = s.Session.Query(`
        INSERT INTO recovery_contacts (user_bucket, user_id, recovery_id, contact_email, share_index, encrypted_shard, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)

	prepared.ListRecoveryContacts = s.Session.Query(`
        SELECT recovery_id, contact_email, share_index, encrypted_shard, created_at
        FROM recovery_contacts WHERE user_bucket = ? AND user_id = ?`)

	prepared.DeleteRecoveryContacts = s.Session.Query(`
        DELETE FROM recovery_contacts WHERE user_bucket = ? AND user_id = ?`)

	prepared.InsertRecoveryRequest = s.Session.Query(`
        INSERT INTO recovery_requests (request_id, user_id, recovery_id, token_hash, threshold, status, shards_collected, created_at, expires_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetRecoveryRequest = s.Session.Query(`
        SELECT user_id, recovery_id, token_hash, threshold, status, shards_collected, created_at, expires_at
        FROM recovery_requests WHERE request_id = ?`)

	prepared.UpdateRecoveryRequest = s.Session.Query(`
        UPDATE recovery_requests SET status = ?, shards_collected = ? WHERE request_id = ?`)

	prepared.ListPendingRecovery = s.Session.Query(`
        SELECT request_id, user_id, recovery_id, token_hash, threshold, status, shards_collected, created_at, expires_at
        FROM recovery_requests WHERE status = 'pending' ALLOW FILTERING`)

	prepared.InsertRecoveryPending = s.Session.Query(`
        INSERT INTO recovery_pending (user_bucket, user_id, request_id, expires_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	prepared.GetRecoveryPending = s.Session.Query(`
        SELECT request_id, expires_at FROM recovery_pending WHERE user_bucket = ? AND user_id = ?`)

	prepared.SwapRecoveryPending = s.Session.Query(`
        UPDATE recovery_pending SET request_id = ?, expires_at = ?
        WHERE user_bucket = ? AND user_id = ? IF request_id = ?`)

	prepared.DeleteRecoveryPending = s.Session.Query(`
        DELETE FROM recovery_pending WHERE user_bucket = ? AND user_id = ? IF request_id = ?`)

	prepared.InsertShardSubmission = s.Session.Query(`
        INSERT INTO recovery_shard_submissions (request_id, contact_email, shard, submitted_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	prepared.CountShardSubmissions = s.Session.Query(`
        SELECT COUNT(*) FROM recovery_shard_submissions WHERE request_id = ?`)

	prepared.ListShardSubmissions = s.Session.Query(`
        SELECT contact_email, shard, submitted_at
        FROM recovery_shard_submissions WHERE request_id = ?`)

	prepared.UpsertGroupVault = s.Session.Query(`
        INSERT INTO group_vaults (group_bucket, group_id, container_id, encrypted_vault_blob, required_approvals, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetGroupVault = s.Session.Query(`
        SELECT container_id, encrypted_vault_blob, required_approvals, status, created_at, updated_at
        FROM group_vaults WHERE group_bucket = ? AND group_id = ?`)

	prepared.InsertGroupRequest = s.Session.Query(`
        INSERT INTO group_unlock_requests (request_id, group_id, requested_by, reason, status, required_approvals, encrypted_session_key, created_at, expires_at, unlocked_at, unlock_expires_at, locked_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetGroupRequest = s.Session.Query(`
        SELECT group_id, requested_by, reason, status, required_approvals, encrypted_session_key, created_at, expires_at, unlocked_at, unlock_expires_at, locked_at
        FROM group_unlock_requests WHERE request_id = ?`)

	prepared.UpdateGroupRequest = s.Session.Query(`
        UPDATE group_unlock_requests
        SET status = ?, encrypted_session_key = ?, unlocked_at = ?, unlock_expires_at = ?, locked_at = ?
        WHERE request_id = ?`)

	prepared.ListPendingGroup = s.Session.Query(`
        SELECT request_id, group_id, requested_by, reason, status, required_approvals, encrypted_session_key, created_at, expires_at, unlocked_at, unlock_expires_at, locked_at
        FROM group_unlock_requests WHERE status = 'pending' ALLOW FILTERING`)

	prepared.InsertGroupPending = s.Session.Query(`
        INSERT INTO group_unlock_pending (group_bucket, group_id, request_id, expires_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	prepared.GetGroupPending = s.Session.Query(`
        SELECT request_id, expires_at FROM group_unlock_pending WHERE group_bucket = ? AND group_id = ?`)

	prepared.SwapGroupPending = s.Session.Query(`
        UPDATE group_unlock_pending SET request_id = ?, expires_at = ?
        WHERE group_bucket = ? AND group_id = ? IF request_id = ?`)

	prepared.DeleteGroupPending = s.Session.Query(`
        DELETE FROM group_unlock_pending WHERE group_bucket = ? AND group_id = ? IF request_id = ?`)

	prepared.InsertGroupApproval = s.Session.Query(`
        INSERT INTO group_unlock_approvals (request_id, approved_by, approved_at)
        VALUES (?, ?, ?) IF NOT EXISTS`)

	prepared.CountGroupApprovals = s.Session.Query(`
        SELECT COUNT(*) FROM group_unlock_approvals WHERE request_id = ?`)

	prepared.ListSessionRecords = s.Session.Query(`
        SELECT record_id, format, payload, updated_at
        FROM session_records WHERE user_bucket = ? AND user_id = ?`)

	prepared.UpdateSessionRecord = s.Session.Query(`
        INSERT INTO session_records (user_bucket, user_id, record_id, format, payload, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`)

	prepared.GetRevocation = s.Session.Query(`
        SELECT revoked_at, reason FROM capability_revocations WHERE capability_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
