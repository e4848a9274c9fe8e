package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"vault-service/internal/config"
	"vault-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedBlob is the stored form of every encrypted field: the AES-GCM
// ciphertext plus the KMS-wrapped data key that protects it. Nothing in the
// blob is plaintext.
type EncryptedBlob struct {
	Ciphertext   string    `json:"ciphertext"`
	EncryptedDEK string    `json:"encrypted_dek"`
	KeyID        string    `json:"key_id"`
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// Manager performs envelope encryption: a fresh data key per blob, wrapped by
// KMS in production or a local key in development.
type Manager struct {
	kmsClient *kms.Client
	config    *config.Config
	keyCache  sync.Map // encrypted DEK -> plaintext DEK
}

type dataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

func NewManager(cfg *config.Config, kmsClient *kms.Client) *Manager {
	return &Manager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

func (m *Manager) generateDataKey(ctx context.Context) (*dataKey, error) {
	if !m.config.KMS.Enabled {
		return m.generateLocalKey()
	}

	input := &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	}

	result, err := m.kmsClient.GenerateDataKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &dataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      m.config.KMS.KeyID,
	}, nil
}

func (m *Manager) generateLocalKey() (*dataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate local key: %w", err)
	}

	// Development only: the "wrapped" key is just the base64 of the key.
	return &dataKey{
		Plaintext:  key,
		Ciphertext: []byte(base64.StdEncoding.EncodeToString(key)),
		KeyID:      uuid.New().String(),
	}, nil
}

// Seal envelope-encrypts a plaintext blob.
func (m *Manager) Seal(ctx context.Context, plaintext []byte) (*EncryptedBlob, error) {
	dk, err := m.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(dk.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	cacheKey := base64.StdEncoding.EncodeToString(dk.Ciphertext)
	m.keyCache.Store(cacheKey, dk.Plaintext)

	return &EncryptedBlob{
		Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK: cacheKey,
		KeyID:        dk.KeyID,
		Version:      "v1",
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Open decrypts an envelope-encrypted blob.
func (m *Manager) Open(ctx context.Context, blob *EncryptedBlob) ([]byte, error) {
	if cached, ok := m.keyCache.Load(blob.EncryptedDEK); ok {
		return m.openWithKey(blob.Ciphertext, cached.([]byte))
	}

	var plaintextDEK []byte
	if m.config.KMS.Enabled {
		ciphertextBlob, err := base64.StdEncoding.DecodeString(blob.EncryptedDEK)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
		}

		result, err := m.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertextBlob})
		if err != nil {
			util.Error("KMS DEK decryption failed", zap.String("key_id", blob.KeyID), zap.Error(err))
			return nil, fmt.Errorf("%w: failed to decrypt DEK", ErrDecryptionFailed)
		}
		plaintextDEK = result.Plaintext
	} else {
		var err error
		plaintextDEK, err = base64.StdEncoding.DecodeString(blob.EncryptedDEK)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
	}

	m.keyCache.Store(blob.EncryptedDEK, plaintextDEK)

	return m.openWithKey(blob.Ciphertext, plaintextDEK)
}

// SealToString and OpenFromString marshal the blob for storage in a single
// opaque text column.
func (m *Manager) SealToString(ctx context.Context, plaintext []byte) (string, error) {
	blob, err := m.Seal(ctx, plaintext)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return string(raw), nil
}

func (m *Manager) OpenFromString(ctx context.Context, stored string) ([]byte, error) {
	var blob EncryptedBlob
	if err := json.Unmarshal([]byte(stored), &blob); err != nil {
		return nil, fmt.Errorf("%w: malformed blob", ErrDecryptionFailed)
	}
	return m.Open(ctx, &blob)
}

func (m *Manager) openWithKey(encoded string, key []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}

// ClearCache drops cached plaintext DEKs.
func (m *Manager) ClearCache() {
	m.keyCache.Range(func(key, _ interface{}) bool {
		m.keyCache.Delete(key)
		return true
	})
}
