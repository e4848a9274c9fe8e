package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-service/internal/encryption"
	"vault-service/internal/model"
)

type sessionVaultFixture struct {
	svc      *SessionVaultService
	records  *fakeSessionRecordRepo
	sessions *fakeSessionStore
}

func newSessionVaultFixture(t *testing.T) *sessionVaultFixture {
	t.Helper()
	records := newFakeSessionRecordRepo()
	sessions := newFakeSessionStore()
	svc := NewSessionVaultService(records, sessions, encryption.NewManager(testConfig(), nil))
	return &sessionVaultFixture{svc: svc, records: records, sessions: sessions}
}

func (fx *sessionVaultFixture) unlockSessionVault(t *testing.T, userID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, fx.sessions.PutSession(&model.UnlockSession{
		SubjectID: userID,
		Kind:      model.VaultKindSession,
		IssuedAt:  now,
		ExpiresAt: now.Add(15 * time.Minute),
	}))
}

func (fx *sessionVaultFixture) seedRecord(t *testing.T, userID, recordID, format, payload string) {
	t.Helper()
	require.NoError(t, fx.records.UpdateRecord(&model.SessionRecord{
		UserID:   userID,
		RecordID: recordID,
		Format:   format,
		Payload:  payload,
	}))
}

func TestSessionVaultService_MigrationRequiresUnlockedVault(t *testing.T) {
	fx := newSessionVaultFixture(t)
	fx.seedRecord(t, "user-1", "rec-1", model.SessionRecordPlaintext, `{"token":"abc"}`)

	_, err := fx.svc.MigrateUnencrypted(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrDenied, "A locked session vault must not migrate")
}

func TestSessionVaultService_MigratesPlaintextRecords(t *testing.T) {
	fx := newSessionVaultFixture(t)
	ctx := context.Background()
	fx.unlockSessionVault(t, "user-1")

	fx.seedRecord(t, "user-1", "rec-1", model.SessionRecordPlaintext, `{"token":"abc"}`)
	fx.seedRecord(t, "user-1", "rec-2", model.SessionRecordPlaintext, `{"token":"def"}`)

	result, err := fx.svc.MigrateUnencrypted(ctx, "user-1")
	require.NoError(t, err, "Migration should succeed")
	assert.Len(t, result.Migrated, 2)
	assert.Empty(t, result.Failed)
	assert.Equal(t, 0, result.Skipped)

	records, err := fx.records.ListRecords("user-1")
	require.NoError(t, err)
	for _, rec := range records {
		assert.Equal(t, model.SessionRecordEncrypted, rec.Format, "Every record should be rewritten as v2")
		assert.NotContains(t, rec.Payload, "abc", "The plaintext token must be gone")
		assert.NotContains(t, rec.Payload, "def", "The plaintext token must be gone")
	}
}

func TestSessionVaultService_MigrationIsIdempotent(t *testing.T) {
	fx := newSessionVaultFixture(t)
	ctx := context.Background()
	fx.unlockSessionVault(t, "user-1")
	fx.seedRecord(t, "user-1", "rec-1", model.SessionRecordPlaintext, `{"token":"abc"}`)

	first, err := fx.svc.MigrateUnencrypted(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, first.Migrated, 1)

	second, err := fx.svc.MigrateUnencrypted(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, second.Migrated, "A second pass has nothing to do")
	assert.Equal(t, 1, second.Skipped, "Already migrated records are skipped")
}

func TestSessionVaultService_ReadRecordRoundTrip(t *testing.T) {
	fx := newSessionVaultFixture(t)
	ctx := context.Background()
	fx.unlockSessionVault(t, "user-1")

	original := `{"token":"super-secret"}`
	fx.seedRecord(t, "user-1", "rec-1", model.SessionRecordPlaintext, original)

	_, err := fx.svc.MigrateUnencrypted(ctx, "user-1")
	require.NoError(t, err)

	records, err := fx.records.ListRecords("user-1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	plaintext, err := fx.svc.ReadRecord(ctx, "user-1", records[0])
	require.NoError(t, err, "A migrated record should open cleanly")
	assert.Equal(t, original, string(plaintext), "Migration must preserve the payload")
}

func TestSessionVaultService_ReadRecordPassesV1Through(t *testing.T) {
	fx := newSessionVaultFixture(t)

	rec := &model.SessionRecord{
		UserID:   "user-1",
		RecordID: "rec-1",
		Format:   model.SessionRecordPlaintext,
		Payload:  `{"token":"legacy"}`,
	}
	plaintext, err := fx.svc.ReadRecord(context.Background(), "user-1", rec)
	require.NoError(t, err)
	assert.Equal(t, rec.Payload, string(plaintext), "Unmigrated records read as-is")
}
