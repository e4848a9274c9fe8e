package service

import (
	"sync"
	"time"

	"vault-service/internal/model"
)

// ChallengeStore holds outstanding unlock challenges in process memory only.
// Challenges are intentionally not persisted: a keeper restart voids them all
// and clients simply request a fresh one.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*model.UnlockChallenge
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{
		challenges: make(map[string]*model.UnlockChallenge),
	}
}

func (s *ChallengeStore) Put(ch *model.UnlockChallenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[ch.ChallengeID] = ch
}

// Take removes and returns the challenge in one step. A challenge can be
// taken exactly once; the caller consumes it whether or not the proof
// verifies. Expired challenges are treated as absent.
func (s *ChallengeStore) Take(challengeID string) (*model.UnlockChallenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[challengeID]
	if !ok {
		return nil, false
	}
	delete(s.challenges, challengeID)

	if time.Now().UTC().After(ch.ExpiresAt) {
		return nil, false
	}

	ch.Consumed = true
	return ch, true
}

// Sweep drops expired challenges so abandoned ones do not accumulate.
func (s *ChallengeStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	removed := 0
	for id, ch := range s.challenges {
		if now.After(ch.ExpiresAt) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed
}

func (s *ChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}
