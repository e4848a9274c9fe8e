package encryption

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-service/internal/config"
)

func testManager() *Manager {
	return NewManager(&config.Config{
		Environment: "development",
		KMS:         config.KMSConfig{Enabled: false},
	}, nil)
}

func TestManager_SealOpenRoundTrip(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	plaintext := []byte("vault master key material")

	blob, err := m.Seal(ctx, plaintext)
	require.NoError(t, err, "Seal should succeed")
	assert.NotEmpty(t, blob.Ciphertext)
	assert.NotEmpty(t, blob.EncryptedDEK)
	assert.NotContains(t, blob.Ciphertext, "master key", "Ciphertext must not leak plaintext")

	opened, err := m.Open(ctx, blob)
	require.NoError(t, err, "Open should succeed")
	assert.Equal(t, plaintext, opened)
}

func TestManager_OpenSurvivesCacheClear(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	blob, err := m.Seal(ctx, []byte("payload"))
	require.NoError(t, err)

	m.ClearCache()

	opened, err := m.Open(ctx, blob)
	require.NoError(t, err, "Open must rewrap the DEK after a cache clear")
	assert.Equal(t, []byte("payload"), opened)
}

func TestManager_FreshDEKPerBlob(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	b1, err := m.Seal(ctx, []byte("same plaintext"))
	require.NoError(t, err)
	b2, err := m.Seal(ctx, []byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, b1.EncryptedDEK, b2.EncryptedDEK, "Every blob gets its own data key")
	assert.NotEqual(t, b1.Ciphertext, b2.Ciphertext, "Identical plaintexts must not produce identical ciphertexts")
}

func TestManager_TamperedCiphertextFails(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	blob, err := m.Seal(ctx, []byte("payload"))
	require.NoError(t, err)
	m.ClearCache()

	blob.Ciphertext = "AAAA" + blob.Ciphertext[4:]
	_, err = m.Open(ctx, blob)
	assert.ErrorIs(t, err, ErrDecryptionFailed, "GCM must reject a modified ciphertext")
}

func TestManager_StringRoundTrip(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	stored, err := m.SealToString(ctx, []byte("column value"))
	require.NoError(t, err)
	assert.NotContains(t, stored, "column value")

	opened, err := m.OpenFromString(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, []byte("column value"), opened)

	_, err = m.OpenFromString(ctx, "not a stored blob")
	assert.ErrorIs(t, err, ErrDecryptionFailed, "Garbage input must fail cleanly")
}
