package facade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-service/internal/config"
	"vault-service/internal/hashing"
	"vault-service/internal/model"
)

// fakeKeeper emulates the proxy-fronted unlock API just enough to check that
// the facade derives keys and proofs correctly on the client side.
type fakeKeeper struct {
	mu         sync.Mutex
	cfg        *config.Config
	salt       []byte
	verifier   []byte
	challenges map[string][]byte // challengeID -> nonce
	verifies   int
	migrations int
}

func newFakeKeeper(t *testing.T, cfg *config.Config, password string) *fakeKeeper {
	salt, err := hashing.GenerateSalt()
	require.NoError(t, err, "salt generation must succeed")

	kdf := hashing.NewKDF(cfg)
	derived := kdf.DeriveKey([]byte(password), salt)
	return &fakeKeeper{
		cfg:        cfg,
		salt:       salt,
		verifier:   hashing.Verifier(derived),
		challenges: make(map[string][]byte),
	}
}

func (k *fakeKeeper) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/vaults/", k.handleVault)
	mux.HandleFunc("/api/v1/session-vault/", k.handleMigrate)
	return mux
}

func respond(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (k *fakeKeeper) handleVault(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var req map[string]string
	json.NewDecoder(r.Body).Decode(&req)

	switch {
	case strings.HasSuffix(r.URL.Path, "/challenge"):
		nonce, _ := hashing.GenerateNonce()
		id := time.Now().UTC().Format(time.RFC3339Nano)
		k.challenges[id] = nonce
		respond(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data": model.UnlockChallenge{
				ChallengeID: id,
				SubjectID:   req["subject_id"],
				Nonce:       hashing.EncodeB64(nonce),
				Salt:        hashing.EncodeB64(k.salt),
			},
		})

	case strings.HasSuffix(r.URL.Path, "/verify"):
		k.verifies++
		nonce, ok := k.challenges[req["challenge_id"]]
		delete(k.challenges, req["challenge_id"])
		proof, err := hashing.DecodeB64(req["proof"])
		if !ok || err != nil || !hashing.VerifyProof(k.verifier, nonce, req["challenge_id"], proof) {
			respond(w, http.StatusForbidden, map[string]interface{}{
				"success": false,
				"error":   "access denied",
			})
			return
		}
		now := time.Now().UTC()
		respond(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"session": model.UnlockSession{
					SubjectID: req["subject_id"],
					IssuedAt:  now,
					ExpiresAt: now.Add(k.cfg.Vault.SessionTTL),
				},
			},
		})

	case strings.HasSuffix(r.URL.Path, "/lock"), strings.HasSuffix(r.URL.Path, "/extend"):
		respond(w, http.StatusOK, map[string]interface{}{"success": true})

	default:
		respond(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   "not found",
		})
	}
}

func (k *fakeKeeper) handleMigrate(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.migrations++
	respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"migrated": []string{"rec-1", "rec-2"},
			"skipped":  1,
		},
	})
}

func testConfig() *config.Config {
	return &config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
		Vault: config.VaultConfig{
			SessionTTL: 15 * time.Minute,
		},
	}
}

func TestFacadeUnlockBothVaults(t *testing.T) {
	cfg := testConfig()
	keeper := newFakeKeeper(t, cfg, "correct horse battery")
	srv := httptest.NewServer(keeper.handler())
	defer srv.Close()

	f := New(cfg, srv.URL)
	outcome, err := f.Unlock(context.Background(), "correct horse battery", UnlockOptions{
		SubjectID: "subject-1",
	})
	require.NoError(t, err, "unlock with the right password must not error")
	require.Len(t, outcome.Results, 2, "defaults to both vault kinds")

	for _, r := range outcome.Results {
		assert.True(t, r.Unlocked, "vault %s should unlock", r.Kind)
		require.NotNil(t, r.Session, "unlocked vault %s must carry a session", r.Kind)
		assert.Equal(t, "subject-1", r.Session.SubjectID)
		assert.Empty(t, r.Error)
	}
	assert.Equal(t, 2, keeper.verifies, "one verify per vault kind")
}

func TestFacadeWrongPasswordIsPerVaultFailure(t *testing.T) {
	cfg := testConfig()
	keeper := newFakeKeeper(t, cfg, "correct horse battery")
	srv := httptest.NewServer(keeper.handler())
	defer srv.Close()

	f := New(cfg, srv.URL)
	outcome, err := f.Unlock(context.Background(), "wrong password", UnlockOptions{
		SubjectID: "subject-1",
		Kinds:     []model.VaultKind{model.VaultKindLegacy},
	})
	require.NoError(t, err, "per-vault denial is a result, not an error")
	require.Len(t, outcome.Results, 1)
	assert.False(t, outcome.Results[0].Unlocked)
	assert.Nil(t, outcome.Results[0].Session)
	assert.NotEmpty(t, outcome.Results[0].Error, "denial reason string is surfaced per vault")
}

func TestFacadeMigrateRunsOnlyAfterSessionVaultUnlock(t *testing.T) {
	cfg := testConfig()
	keeper := newFakeKeeper(t, cfg, "pw")
	srv := httptest.NewServer(keeper.handler())
	defer srv.Close()

	f := New(cfg, srv.URL)

	// Wrong password: the session vault stays locked, so no migration runs.
	_, err := f.Unlock(context.Background(), "nope", UnlockOptions{
		SubjectID: "subject-1",
		Kinds:     []model.VaultKind{model.VaultKindSession},
		Migrate:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, keeper.migrations, "locked session vault must not trigger migration")

	outcome, err := f.Unlock(context.Background(), "pw", UnlockOptions{
		SubjectID: "subject-1",
		Kinds:     []model.VaultKind{model.VaultKindSession},
		Migrate:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, keeper.migrations)
	require.NotNil(t, outcome.Migration)
	assert.Equal(t, []string{"rec-1", "rec-2"}, outcome.Migration.Migrated)
	assert.Equal(t, 1, outcome.Migration.Skipped)
}

func TestFacadeRejectsEmptyInput(t *testing.T) {
	f := New(testConfig(), "http://127.0.0.1:0")
	_, err := f.Unlock(context.Background(), "", UnlockOptions{SubjectID: "s"})
	assert.Error(t, err, "empty password is rejected before any network call")
	_, err = f.Unlock(context.Background(), "pw", UnlockOptions{})
	assert.Error(t, err, "empty subject is rejected before any network call")
}
