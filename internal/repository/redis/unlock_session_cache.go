package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vault-service/internal/client"
	"vault-service/internal/model"
	"vault-service/internal/util"
)

const unlockSessionPrefix = "unlock_session:"

// extendSessionScript slides a session's expiry only if the stored payload is
// still the one the caller read. The compare-and-set keeps concurrent extends
// and unlocks from resurrecting a replaced session.
const extendSessionScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
    return 1
end
return 0
`

// UnlockSessionCache holds the single active UnlockSession per
// (subject, vault kind) as a TTL'd redis key. SET is the atomic last-writer-wins
// replace; redis expiry makes "expired" indistinguishable from "absent".
type UnlockSessionCache struct {
	client *client.RedisClient
}

func NewUnlockSessionCache(client *client.RedisClient) *UnlockSessionCache {
	return &UnlockSessionCache{client: client}
}

func sessionKey(subjectID string, kind model.VaultKind) string {
	return fmt.Sprintf("%s%s:%s", unlockSessionPrefix, kind, subjectID)
}

// PutSession replaces any existing session for the subject unconditionally.
func (c *UnlockSessionCache) PutSession(session *model.UnlockSession) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal unlock session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refusing to store already-expired session")
	}

	key := sessionKey(session.SubjectID, session.Kind)
	if err := c.client.Set(ctx, key, string(payload), ttl); err != nil {
		util.Error("Failed to store unlock session",
			zap.String("subject_id", session.SubjectID),
			zap.String("kind", string(session.Kind)),
			zap.Error(err))
		return fmt.Errorf("failed to store unlock session: %w", err)
	}

	util.Debug("Unlock session stored",
		zap.String("subject_id", session.SubjectID),
		zap.String("kind", string(session.Kind)),
		zap.Duration("ttl", ttl))
	return nil
}

// GetSession returns nil when no live session exists; redis TTL expiry and a
// missing key are the same outcome.
func (c *UnlockSessionCache) GetSession(subjectID string, kind model.VaultKind) (*model.UnlockSession, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := sessionKey(subjectID, kind)
	payload, err := c.client.Get(ctx, key)
	if err != nil {
		if err.Error() == fmt.Sprintf("key not found: %s", key) {
			return nil, nil
		}
		util.Error("Failed to get unlock session",
			zap.String("subject_id", subjectID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get unlock session: %w", err)
	}

	var session model.UnlockSession
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unlock session: %w", err)
	}

	// Belt and braces: redis should have expired the key already
	if time.Now().After(session.ExpiresAt) {
		return nil, nil
	}

	return &session, nil
}

// DeleteSession locks the vault unconditionally.
func (c *UnlockSessionCache) DeleteSession(subjectID string, kind model.VaultKind) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := sessionKey(subjectID, kind)
	if err := c.client.Del(ctx, key); err != nil {
		util.Error("Failed to delete unlock session",
			zap.String("subject_id", subjectID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return fmt.Errorf("failed to delete unlock session: %w", err)
	}

	util.Info("Unlock session deleted",
		zap.String("subject_id", subjectID),
		zap.String("kind", string(kind)))
	return nil
}

// ReplaceSession swaps old for updated only if old is still current.
// Returns false when another writer got there first.
func (c *UnlockSessionCache) ReplaceSession(old, updated *model.UnlockSession) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	oldPayload, err := json.Marshal(old)
	if err != nil {
		return false, fmt.Errorf("failed to marshal unlock session: %w", err)
	}
	newPayload, err := json.Marshal(updated)
	if err != nil {
		return false, fmt.Errorf("failed to marshal unlock session: %w", err)
	}

	ttl := time.Until(updated.ExpiresAt)
	if ttl <= 0 {
		return false, nil
	}

	key := sessionKey(updated.SubjectID, updated.Kind)
	result, err := c.client.Eval(ctx, extendSessionScript, []string{key},
		string(oldPayload), string(newPayload), ttl.Milliseconds())
	if err != nil {
		util.Error("Failed to extend unlock session",
			zap.String("subject_id", updated.SubjectID),
			zap.String("kind", string(updated.Kind)),
			zap.Error(err))
		return false, fmt.Errorf("failed to extend unlock session: %w", err)
	}

	swapped, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result from extend script")
	}
	return swapped == 1, nil
}
