package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vault-service/internal/client"
	"vault-service/internal/util"
)

const (
	deviceFailurePrefix = "device_failures:"

	// Consecutive-failure state outlives any single attempt burst but not a
	// legitimate retry the next day.
	deviceFailureWindow = 24 * time.Hour
)

// DeviceAttemptCache counts consecutive failed device unlocks per fingerprint.
// A successful unlock resets the count.
type DeviceAttemptCache struct {
	client *client.RedisClient
}

func NewDeviceAttemptCache(client *client.RedisClient) *DeviceAttemptCache {
	return &DeviceAttemptCache{client: client}
}

func deviceFailureKey(userID, fingerprint string) string {
	return fmt.Sprintf("%s%s:%s", deviceFailurePrefix, userID, fingerprint)
}

// IncrementFailures records one failed unlock and returns the running count.
func (c *DeviceAttemptCache) IncrementFailures(userID, fingerprint string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := deviceFailureKey(userID, fingerprint)
	count, err := c.client.IncrWithExpire(ctx, key, deviceFailureWindow)
	if err != nil {
		util.Error("Failed to increment device failure count",
			zap.String("user_id", userID),
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment device failure count: %w", err)
	}

	util.Debug("Device failure count incremented",
		zap.String("user_id", userID),
		zap.String("fingerprint", fingerprint),
		zap.Int64("count", count))

	return int(count), nil
}

// ResetFailures clears the counter after a successful unlock.
func (c *DeviceAttemptCache) ResetFailures(userID, fingerprint string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := deviceFailureKey(userID, fingerprint)
	if err := c.client.Del(ctx, key); err != nil {
		util.Error("Failed to reset device failure count",
			zap.String("user_id", userID),
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		return fmt.Errorf("failed to reset device failure count: %w", err)
	}
	return nil
}
