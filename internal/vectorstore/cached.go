package vectorstore

import (
	"context"

	"ragkb/internal/cache"
)

// partitionCache is the minimal cache surface CachedPartitions needs; it is
// satisfied by *cache.Redis, including a nil receiver (always-miss).
type partitionCache interface {
	GetBool(ctx context.Context, key string) (bool, bool)
	SetBool(ctx context.Context, key string, value bool)
}

// CachedPartitions wraps a VectorStore so repeated EnsurePartition calls for
// an already-seen owner skip the underlying store, which otherwise runs on
// every document indexing and index rebuild even though a partition is just a
// payload/column filter with nothing left to provision after the first call.
type CachedPartitions struct {
	VectorStore
	cache partitionCache
}

// NewCachedPartitions wraps store with c. A nil c (Redis disabled) makes
// this equivalent to calling store directly.
func NewCachedPartitions(store VectorStore, c *cache.Redis) *CachedPartitions {
	return &CachedPartitions{VectorStore: store, cache: c}
}

func (c *CachedPartitions) EnsurePartition(ctx context.Context, ownerID string) error {
	key := "partition:" + ownerID
	if ok, found := c.cache.GetBool(ctx, key); found && ok {
		return nil
	}
	if err := c.VectorStore.EnsurePartition(ctx, ownerID); err != nil {
		return err
	}
	c.cache.SetBool(ctx, key, true)
	return nil
}
