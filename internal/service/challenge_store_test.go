package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vault-service/internal/model"
)

func storedChallenge(id string, expiresAt time.Time) *model.UnlockChallenge {
	return &model.UnlockChallenge{
		ChallengeID: id,
		SubjectID:   "user-1",
		Kind:        model.VaultKindLegacy,
		ExpiresAt:   expiresAt,
	}
}

func TestChallengeStore_TakeIsSingleUse(t *testing.T) {
	store := NewChallengeStore()
	store.Put(storedChallenge("ch-1", time.Now().UTC().Add(time.Minute)))

	ch, ok := store.Take("ch-1")
	assert.True(t, ok, "First take should return the challenge")
	assert.Equal(t, "ch-1", ch.ChallengeID)
	assert.True(t, ch.Consumed, "Taken challenge should be marked consumed")

	_, ok = store.Take("ch-1")
	assert.False(t, ok, "Second take of the same challenge should fail")
}

func TestChallengeStore_TakeUnknownID(t *testing.T) {
	store := NewChallengeStore()

	_, ok := store.Take("nope")
	assert.False(t, ok, "Unknown challenge ID should not be found")
}

func TestChallengeStore_ExpiredIsConsumedButAbsent(t *testing.T) {
	store := NewChallengeStore()
	store.Put(storedChallenge("ch-old", time.Now().UTC().Add(-time.Second)))

	_, ok := store.Take("ch-old")
	assert.False(t, ok, "Expired challenge should be treated as absent")

	// Even the failed take consumed it.
	assert.Equal(t, 0, store.Len(), "Expired challenge should be removed by the take")
}

func TestChallengeStore_Sweep(t *testing.T) {
	store := NewChallengeStore()
	store.Put(storedChallenge("live", time.Now().UTC().Add(time.Minute)))
	store.Put(storedChallenge("dead-1", time.Now().UTC().Add(-time.Minute)))
	store.Put(storedChallenge("dead-2", time.Now().UTC().Add(-time.Second)))

	removed := store.Sweep()
	assert.Equal(t, 2, removed, "Sweep should remove the two expired challenges")
	assert.Equal(t, 1, store.Len(), "Live challenge should survive the sweep")

	_, ok := store.Take("live")
	assert.True(t, ok, "Live challenge should still be takeable")
}
