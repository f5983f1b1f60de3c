package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//   webrtc:presence:<userId>  per-user marker with TTL
//   webrtc:online             set of online user ids
//
// The per-user key expires on its own if the process dies mid-session; the
// set is reconciled against the markers on read so stale members do not
// outlive their TTL.

const (
	keyOnlineSet      = "webrtc:online"
	keyPresencePrefix = "webrtc:presence:"
)

type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func presenceKey(userID string) string { return keyPresencePrefix + userID }

func (c *RedisCache) SetOnline(ctx context.Context, userID string, ttl time.Duration) error {
	if userID == "" {
		return fmt.Errorf("presence: user id is required")
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, presenceKey(userID), "online", ttl)
	pipe.SAdd(ctx, keyOnlineSet, userID)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) ClearOnline(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("presence: user id is required")
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, presenceKey(userID))
	pipe.SRem(ctx, keyOnlineSet, userID)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) ListOnline(ctx context.Context) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, keyOnlineSet).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Drop set members whose marker expired (crashed process, missed clear).
	out := ids[:0]
	for _, id := range ids {
		n, err := c.rdb.Exists(ctx, presenceKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out = append(out, id)
			continue
		}
		_ = c.rdb.SRem(ctx, keyOnlineSet, id).Err()
	}
	return out, nil
}
