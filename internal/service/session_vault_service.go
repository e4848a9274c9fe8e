package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vault-service/internal/encryption"
	"vault-service/internal/model"
	"vault-service/internal/repository/scylla"
	"vault-service/internal/util"
)

// MigrationResult reports a migration pass. Failed records stay plaintext
// and are retried on the next pass; partial failure is not fatal.
type MigrationResult struct {
	Migrated []string `json:"migrated"`
	Failed   []string `json:"failed"`
	Skipped  int      `json:"skipped"`
}

// SessionVaultService migrates legacy plaintext session records into the
// encrypted envelope format. It only runs against an unlocked session vault.
type SessionVaultService struct {
	records  scylla.SessionRecordRepository
	sessions SessionStore
	envelope *encryption.Manager
}

func NewSessionVaultService(
	records scylla.SessionRecordRepository,
	sessions SessionStore,
	envelope *encryption.Manager,
) *SessionVaultService {
	return &SessionVaultService{
		records:  records,
		sessions: sessions,
		envelope: envelope,
	}
}

// MigrateUnencrypted rewrites every v1 record for the user as a v2 envelope.
// Records already tagged v2 are skipped, so the pass is idempotent.
func (s *SessionVaultService) MigrateUnencrypted(ctx context.Context, userID string) (*MigrationResult, error) {
	if !util.ValidSubjectID(userID) {
		return nil, ErrInvalidInput
	}

	session, err := s.sessions.GetSession(userID, model.VaultKindSession)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if session == nil {
		return nil, ErrDenied
	}

	records, err := s.records.ListRecords(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	result := &MigrationResult{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, rec := range records {
		if rec.Format == model.SessionRecordEncrypted {
			result.Skipped++
			continue
		}
		rec := rec
		g.Go(func() error {
			err := s.migrateRecord(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				util.Error("Failed to migrate session record",
					zap.String("user_id", userID),
					zap.String("record_id", rec.RecordID),
					zap.Error(err))
				result.Failed = append(result.Failed, rec.RecordID)
			} else {
				result.Migrated = append(result.Migrated, rec.RecordID)
			}
			// Per-record failures are collected, never propagated.
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	util.Info("Session record migration pass finished",
		zap.String("user_id", userID),
		zap.Int("migrated", len(result.Migrated)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("skipped", result.Skipped))

	return result, nil
}

func (s *SessionVaultService) migrateRecord(ctx context.Context, rec *model.SessionRecord) error {
	sealed, err := s.envelope.SealToString(ctx, []byte(rec.Payload))
	if err != nil {
		return fmt.Errorf("failed to seal session record: %w", err)
	}

	updated := &model.SessionRecord{
		UserID:   rec.UserID,
		RecordID: rec.RecordID,
		Format:   model.SessionRecordEncrypted,
		Payload:  sealed,
	}
	if err := s.records.UpdateRecord(updated); err != nil {
		return fmt.Errorf("failed to store migrated session record: %w", err)
	}

	return nil
}

// ReadRecord opens a v2 record, or returns a v1 payload as-is.
func (s *SessionVaultService) ReadRecord(ctx context.Context, userID string, rec *model.SessionRecord) ([]byte, error) {
	if rec.Format == model.SessionRecordPlaintext {
		return []byte(rec.Payload), nil
	}
	plaintext, err := s.envelope.OpenFromString(ctx, rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to open session record: %w", err)
	}
	return plaintext, nil
}
