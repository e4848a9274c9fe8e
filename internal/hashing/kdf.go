package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"vault-service/internal/config"

	"golang.org/x/crypto/argon2"
)

var ErrInvalidEncoding = errors.New("invalid base64 encoding")

const (
	SaltLength  = 16
	NonceLength = 32
	KeyLength   = 32
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
}

// KDF derives vault keys from passwords and computes challenge proofs.
// Key derivation runs on the client; the keeper only ever handles the
// verifier (a hash of the derived key), never the key itself.
type KDF struct {
	params Argon2Params
}

func NewKDF(cfg *config.Config) *KDF {
	return &KDF{
		params: Argon2Params{
			Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
			Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
			Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
			KeyLength:   KeyLength,
		},
	}
}

// DeriveKey computes the argon2id vault key for a password and salt.
func (k *KDF) DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, k.params.Iterations, k.params.Memory, k.params.Parallelism, k.params.KeyLength)
}

// Verifier reduces a derived key to the value the keeper stores. SHA-256 is
// one-way, so a stolen verifier cannot be turned back into the vault key.
func Verifier(derivedKey []byte) []byte {
	sum := sha256.Sum256(derivedKey)
	return sum[:]
}

// ComputeProof binds the verifier to one challenge: HMAC-SHA256 keyed by the
// verifier over nonce || challengeID.
func ComputeProof(verifier, nonce []byte, challengeID string) []byte {
	mac := hmac.New(sha256.New, verifier)
	mac.Write(nonce)
	mac.Write([]byte(challengeID))
	return mac.Sum(nil)
}

// VerifyProof recomputes the expected proof and compares in constant time.
func VerifyProof(verifier, nonce []byte, challengeID string, proof []byte) bool {
	expected := ComputeProof(verifier, nonce, challengeID)
	return subtle.ConstantTimeCompare(expected, proof) == 1
}

// ConstantTimeEqual compares two byte slices without leaking timing.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// DecoySalt derives a stable fake salt for subjects that have no verifier,
// keyed by a per-process seed. Challenge issuance looks identical for known
// and unknown subjects, so the endpoint cannot be used for enumeration.
func DecoySalt(seed []byte, parts ...string) []byte {
	mac := hmac.New(sha256.New, seed)
	for _, p := range parts {
		mac.Write([]byte(p))
		mac.Write([]byte{0})
	}
	return mac.Sum(nil)[:SaltLength]
}

// HashToken returns the base64 SHA-256 of a bearer token. Token-bearing
// entities store only this hash.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func GenerateSalt() ([]byte, error) {
	return randomBytes(SaltLength)
}

func GenerateNonce() ([]byte, error) {
	return randomBytes(NonceLength)
}

// GenerateKey returns a fresh 32-byte symmetric key.
func GenerateKey() ([]byte, error) {
	return randomBytes(KeyLength)
}

// GenerateToken returns an unguessable URL-safe bearer token.
func GenerateToken() (string, error) {
	b, err := randomBytes(32)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// ZeroBytes wipes key material in place once it is no longer needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DecodeB64 decodes RawURL or Std base64, whichever the caller used.
func DecodeB64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	return b, nil
}

// EncodeB64 is the canonical encoding for wire and storage fields.
func EncodeB64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
