package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"vault-service/internal/client"
	"vault-service/internal/util"
)

const (
	rateLimitPrefix = "rate_limit:"
	tempLockPrefix  = "temp_lock:"
)

// RateLimitCache bounds how fast a subject can ask for challenges or submit
// proofs. Counters and locks carry their own TTLs so a stuck client recovers
// without operator action.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

func (c *RateLimitCache) SetTemporaryLock(key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lockKey := tempLockPrefix + key
	success, err := c.client.SetNX(ctx, lockKey, "locked", ttl)
	if err != nil {
		util.Error("Failed to set temporary lock", zap.String("key", key), zap.Duration("ttl", ttl), zap.Error(err))
		return fmt.Errorf("failed to set temporary lock: %w", err)
	}
	if !success {
		return fmt.Errorf("temporary lock already exists for key: %s", key)
	}
	util.Debug("Temporary lock set", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (c *RateLimitCache) IsLocked(key string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lockKey := tempLockPrefix + key
	exists, err := c.client.Exists(ctx, lockKey)
	if err != nil {
		util.Error("Failed to check temporary lock",
			zap.String("key", key),
			zap.Error(err))
		return false, fmt.Errorf("failed to check temporary lock: %w", err)
	}

	return exists, nil
}

func (c *RateLimitCache) IncrementCounter(key string, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rateLimitKey := rateLimitPrefix + key
	count, err := c.client.IncrWithExpire(ctx, rateLimitKey, ttl)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	util.Debug("Rate limit counter incremented",
		zap.String("key", key),
		zap.Int64("count", count),
		zap.Duration("ttl", ttl))

	return int(count), nil
}

func (c *RateLimitCache) GetCounter(key string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rateLimitKey := rateLimitPrefix + key
	countStr, err := c.client.Get(ctx, rateLimitKey)
	if err != nil {
		if err.Error() == fmt.Sprintf("key not found: %s", rateLimitKey) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get rate limit counter: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		util.Error("Invalid counter format",
			zap.String("key", key),
			zap.String("count_str", countStr),
			zap.Error(err))
		return 0, fmt.Errorf("invalid counter format: %w", err)
	}

	return count, nil
}

func (c *RateLimitCache) ResetCounter(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys := []string{
		rateLimitPrefix + key,
		tempLockPrefix + key,
	}

	if err := c.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to reset rate limit counter",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}

	util.Debug("Rate limit counter reset", zap.String("key", key))
	return nil
}

// Per-subject unlock attempt limiting

func (c *RateLimitCache) IncrementSubjectCounter(subjectID, operation string, ttl time.Duration) (int, error) {
	key := fmt.Sprintf("%s:%s", subjectID, operation)
	return c.IncrementCounter(key, ttl)
}

func (c *RateLimitCache) SetSubjectLock(subjectID, operation string, ttl time.Duration) error {
	key := fmt.Sprintf("%s:%s", subjectID, operation)
	return c.SetTemporaryLock(key, ttl)
}

func (c *RateLimitCache) IsSubjectLocked(subjectID, operation string) (bool, error) {
	key := fmt.Sprintf("%s:%s", subjectID, operation)
	return c.IsLocked(key)
}
