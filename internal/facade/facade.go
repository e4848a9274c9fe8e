package facade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"vault-service/internal/config"
	"vault-service/internal/hashing"
	"vault-service/internal/model"
	"vault-service/internal/service"
)

// UnlockOptions selects which vaults one password attempt should open.
type UnlockOptions struct {
	SubjectID string
	Kinds     []model.VaultKind
	// Migrate runs a session record migration pass after the session vault
	// unlocks.
	Migrate bool
}

// VaultOutcome is the per-vault result of one unlock attempt. One vault
// failing does not void the other's unlock.
type VaultOutcome struct {
	Kind     model.VaultKind      `json:"kind"`
	Unlocked bool                 `json:"unlocked"`
	Session  *model.UnlockSession `json:"session,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// UnlockOutcome aggregates per-vault outcomes plus the optional migration.
type UnlockOutcome struct {
	Results   []VaultOutcome           `json:"results"`
	Migration *service.MigrationResult `json:"migration,omitempty"`
}

// Facade is the client-side orchestrator. It talks only to the proxy; the
// inter-service credential is the proxy's business, never the caller's.
type Facade struct {
	baseURL string
	client  *http.Client
	kdf     *hashing.KDF
}

func New(cfg *config.Config, proxyURL string) *Facade {
	return &Facade{
		baseURL: proxyURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		kdf: hashing.NewKDF(cfg),
	}
}

// Unlock runs the challenge-response handshake against every requested vault
// kind concurrently. The password is consumed here, turned into per-vault
// proofs, and never leaves the process.
func (f *Facade) Unlock(ctx context.Context, password string, opts UnlockOptions) (*UnlockOutcome, error) {
	if opts.SubjectID == "" || password == "" {
		return nil, service.ErrInvalidInput
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = []model.VaultKind{model.VaultKindLegacy, model.VaultKindSession}
	}

	outcome := &UnlockOutcome{
		Results: make([]VaultOutcome, len(kinds)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(func() error {
			result := VaultOutcome{Kind: kind}
			session, err := f.unlockOne(gctx, opts.SubjectID, kind, password)
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Unlocked = true
				result.Session = session
			}
			outcome.Results[i] = result
			// Partial failure is reported per vault, not propagated.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if opts.Migrate {
		for _, r := range outcome.Results {
			if r.Kind == model.VaultKindSession && r.Unlocked {
				migration, err := f.migrate(ctx, opts.SubjectID)
				if err == nil {
					outcome.Migration = migration
				}
				break
			}
		}
	}

	return outcome, nil
}

func (f *Facade) unlockOne(ctx context.Context, subjectID string, kind model.VaultKind, password string) (*model.UnlockSession, error) {
	challenge, err := f.issueChallenge(ctx, subjectID, kind)
	if err != nil {
		return nil, err
	}

	salt, err := hashing.DecodeB64(challenge.Salt)
	if err != nil {
		return nil, fmt.Errorf("malformed salt in challenge: %w", err)
	}
	nonce, err := hashing.DecodeB64(challenge.Nonce)
	if err != nil {
		return nil, fmt.Errorf("malformed nonce in challenge: %w", err)
	}

	derived := f.kdf.DeriveKey([]byte(password), salt)
	defer hashing.ZeroBytes(derived)
	verifier := hashing.Verifier(derived)
	proof := hashing.ComputeProof(verifier, nonce, challenge.ChallengeID)

	return f.verify(ctx, subjectID, kind, challenge.ChallengeID, hashing.EncodeB64(proof))
}

// Lock relocks one vault kind through the proxy.
func (f *Facade) Lock(ctx context.Context, subjectID string, kind model.VaultKind) error {
	body := map[string]string{"subject_id": subjectID}
	return f.post(ctx, fmt.Sprintf("/api/v1/vaults/%s/lock", kind), body, nil)
}

// Extend slides one vault's session forward through the proxy.
func (f *Facade) Extend(ctx context.Context, subjectID string, kind model.VaultKind) (*model.UnlockSession, error) {
	body := map[string]string{"subject_id": subjectID}
	var result service.UnlockResult
	if err := f.post(ctx, fmt.Sprintf("/api/v1/vaults/%s/extend", kind), body, &result); err != nil {
		return nil, err
	}
	return result.Session, nil
}

func (f *Facade) issueChallenge(ctx context.Context, subjectID string, kind model.VaultKind) (*model.UnlockChallenge, error) {
	body := map[string]string{"subject_id": subjectID}
	var challenge model.UnlockChallenge
	if err := f.post(ctx, fmt.Sprintf("/api/v1/vaults/%s/challenge", kind), body, &challenge); err != nil {
		return nil, err
	}
	return &challenge, nil
}

func (f *Facade) verify(ctx context.Context, subjectID string, kind model.VaultKind, challengeID, proof string) (*model.UnlockSession, error) {
	body := map[string]string{
		"subject_id":   subjectID,
		"challenge_id": challengeID,
		"proof":        proof,
	}
	var result service.UnlockResult
	if err := f.post(ctx, fmt.Sprintf("/api/v1/vaults/%s/verify", kind), body, &result); err != nil {
		return nil, err
	}
	return result.Session, nil
}

func (f *Facade) migrate(ctx context.Context, subjectID string) (*service.MigrationResult, error) {
	var result service.MigrationResult
	if err := f.post(ctx, fmt.Sprintf("/api/v1/session-vault/%s/migrate", subjectID), struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (f *Facade) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	if !env.Success {
		if env.Error != "" {
			return fmt.Errorf("%s", env.Error)
		}
		return fmt.Errorf("request rejected with status %d", resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("malformed response data: %w", err)
		}
	}
	return nil
}
