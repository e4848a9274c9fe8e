package bucketing

import (
	"hash"
	"sync"

	"vault-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager assigns stable partition buckets for Scylla row keys so
// per-user and per-group tables spread evenly across the cluster.
type BucketingManager struct {
	userBuckets  int
	groupBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		userBuckets:  cfg.Bucketing.UserBuckets,
		groupBuckets: cfg.Bucketing.GroupBuckets,
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetUserBucket returns the consistent bucket for a user (0 to userBuckets-1)
func (bm *BucketingManager) GetUserBucket(userID string) int {
	return bm.getBucket(userID, bm.userBuckets)
}

// GetGroupBucket returns the consistent bucket for a group
func (bm *BucketingManager) GetGroupBucket(groupID string) int {
	return bm.getBucket(groupID, bm.groupBuckets)
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	hash := bm.getHash(key)
	return int(hash % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func (bm *BucketingManager) GetUserBuckets() int {
	return bm.userBuckets
}

func (bm *BucketingManager) GetGroupBuckets() int {
	return bm.groupBuckets
}
