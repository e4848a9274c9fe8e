package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-service/internal/config"
)

func testKDF() *KDF {
	return NewKDF(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	})
}

func TestDeriveKey_Deterministic(t *testing.T) {
	kdf := testKDF()
	salt, err := GenerateSalt()
	require.NoError(t, err)

	k1 := kdf.DeriveKey([]byte("password"), salt)
	k2 := kdf.DeriveKey([]byte("password"), salt)
	assert.Equal(t, k1, k2, "Same password and salt must derive the same key")
	assert.Len(t, k1, KeyLength)

	otherSalt, err := GenerateSalt()
	require.NoError(t, err)
	assert.NotEqual(t, k1, kdf.DeriveKey([]byte("password"), otherSalt),
		"A different salt must derive a different key")
	assert.NotEqual(t, k1, kdf.DeriveKey([]byte("Password"), salt),
		"A different password must derive a different key")
}

func TestProofRoundTrip(t *testing.T) {
	kdf := testKDF()
	salt, err := GenerateSalt()
	require.NoError(t, err)
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	verifier := Verifier(kdf.DeriveKey([]byte("password"), salt))
	proof := ComputeProof(verifier, nonce, "challenge-1")

	assert.True(t, VerifyProof(verifier, nonce, "challenge-1", proof),
		"A correct proof must verify")
}

func TestProofBinding(t *testing.T) {
	verifier := Verifier([]byte("derived key"))
	nonce, err := GenerateNonce()
	require.NoError(t, err)
	proof := ComputeProof(verifier, nonce, "challenge-1")

	assert.False(t, VerifyProof(verifier, nonce, "challenge-2", proof),
		"A proof is bound to its challenge ID")

	otherNonce, err := GenerateNonce()
	require.NoError(t, err)
	assert.False(t, VerifyProof(verifier, otherNonce, "challenge-1", proof),
		"A proof is bound to its nonce")

	assert.False(t, VerifyProof(Verifier([]byte("other key")), nonce, "challenge-1", proof),
		"A proof is bound to the verifier")

	tampered := append([]byte(nil), proof...)
	tampered[0] ^= 0x01
	assert.False(t, VerifyProof(verifier, nonce, "challenge-1", tampered),
		"A flipped bit must fail verification")
}

func TestVerifierIsNotTheKey(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	v := Verifier(key)
	assert.Len(t, v, 32)
	assert.NotEqual(t, key, v, "The stored verifier must differ from the derived key")
}

func TestDecoySalt(t *testing.T) {
	seed, err := GenerateKey()
	require.NoError(t, err)

	s1 := DecoySalt(seed, "user-1", "legacy")
	s2 := DecoySalt(seed, "user-1", "legacy")
	assert.Equal(t, s1, s2, "Decoy salts must be stable for one seed")
	assert.Len(t, s1, SaltLength, "Decoy salts match real salt length")

	assert.NotEqual(t, s1, DecoySalt(seed, "user-2", "legacy"),
		"Different subjects get different decoy salts")
	assert.NotEqual(t, s1, DecoySalt(seed, "user-1", "session"),
		"Different kinds get different decoy salts")

	// Part boundaries matter: ("ab","c") and ("a","bc") must not collide.
	assert.NotEqual(t, DecoySalt(seed, "ab", "c"), DecoySalt(seed, "a", "bc"),
		"Concatenation ambiguity must not produce equal salts")

	otherSeed, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, s1, DecoySalt(otherSeed, "user-1", "legacy"),
		"A new seed voids all prior decoy salts")
}

func TestHashToken(t *testing.T) {
	h1 := HashToken("token-a")
	h2 := HashToken("token-a")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, HashToken("token-b"))
	assert.NotContains(t, h1, "token-a", "The hash must not embed the token")
}

func TestGenerateToken(t *testing.T) {
	t1, err := GenerateToken()
	require.NoError(t, err)
	t2, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2, "Tokens must be unique")
	assert.NotEmpty(t, t1)
}

func TestEncodeDecodeB64(t *testing.T) {
	raw := []byte{0xff, 0x00, 0x7f, 0xfb, 0x01}
	encoded := EncodeB64(raw)

	decoded, err := DecodeB64(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	// Standard padded encoding is accepted too.
	decoded, err = DecodeB64("/wB/+wE=")
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	_, err = DecodeB64("*** definitely not base64 ***")
	assert.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	ZeroBytes(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}
