package service

import (
	"context"
	"time"

	"vault-service/internal/model"
	"vault-service/internal/notify"
)

// SessionStore holds the single active unlock session per (subject, kind).
// Satisfied by the redis session cache.
type SessionStore interface {
	PutSession(session *model.UnlockSession) error
	GetSession(subjectID string, kind model.VaultKind) (*model.UnlockSession, error)
	DeleteSession(subjectID string, kind model.VaultKind) error
	ReplaceSession(old, updated *model.UnlockSession) (bool, error)
}

// RateLimiter tracks failure counters and temporary lockouts. Satisfied by
// the redis rate-limit cache.
type RateLimiter interface {
	IsSubjectLocked(subjectID, operation string) (bool, error)
	SetSubjectLock(subjectID, operation string, ttl time.Duration) error
	IncrementCounter(key string, ttl time.Duration) (int, error)
	ResetCounter(key string) error
}

// AttemptCounter tracks consecutive device unlock failures. Satisfied by the
// redis device attempt cache.
type AttemptCounter interface {
	IncrementFailures(userID, fingerprint string) (int, error)
	ResetFailures(userID, fingerprint string) error
}

// EventPublisher fans vault lifecycle events out to notification channels.
// Satisfied by the kafka notifier.
type EventPublisher interface {
	Publish(ctx context.Context, event *notify.Event)
}
