package redis

import (
	"context"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// AvailabilitySnapshot 对应 Redis 内缓存的容量快照。
type AvailabilitySnapshot struct {
	ResourceID string
	Total      int64
	Reserved   int64
	Remaining  int64
}

// AvailabilityCache 只是读路径的加速层，权威数据始终在数据库。
type AvailabilityCache struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewAvailabilityCache(rdb *rd.Client, ttl time.Duration) *AvailabilityCache {
	return &AvailabilityCache{rdb: rdb, ttl: ttl}
}

// Get 查询快照。found=false 表示 key 不存在或内容不完整。
func (c *AvailabilityCache) Get(ctx context.Context, resourceID string) (AvailabilitySnapshot, bool, error) {
	m, err := c.rdb.HGetAll(ctx, AvailabilityKey(resourceID)).Result()
	if err != nil {
		return AvailabilitySnapshot{}, false, err
	}
	if len(m) == 0 {
		return AvailabilitySnapshot{}, false, nil
	}

	out := AvailabilitySnapshot{ResourceID: resourceID}
	for field, dst := range map[string]*int64{
		"total":     &out.Total,
		"reserved":  &out.Reserved,
		"remaining": &out.Remaining,
	} {
		v, err := strconv.ParseInt(m[field], 10, 64)
		if err != nil {
			return AvailabilitySnapshot{}, false, nil
		}
		*dst = v
	}
	return out, true, nil
}

// Put 写入快照，并刷新 key TTL。
func (c *AvailabilityCache) Put(ctx context.Context, s AvailabilitySnapshot) error {
	key := AvailabilityKey(s.ResourceID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"total", s.Total,
		"reserved", s.Reserved,
		"remaining", s.Remaining,
	)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Invalidate 容量变化（预占/归还）提交后删除快照，下次读回源。
func (c *AvailabilityCache) Invalidate(ctx context.Context, resourceID string) error {
	return c.rdb.Del(ctx, AvailabilityKey(resourceID)).Err()
}
