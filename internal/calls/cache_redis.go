package calls

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"voice-signaling/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//   webrtc:call:<callId>      active call shadow with TTL
//   webrtc:calls:<userId>     set of call ids the identity is party to
//   webrtc:callslot:<userId>  single-call slot (Lua-guarded)
//   webrtc:stats:calls        lifetime initiated-call counter

const (
	keyCallPrefix     = "webrtc:call:"
	keyUserCallPrefix = "webrtc:calls:"
	keySlotPrefix     = "webrtc:callslot:"
	keyTotalCalls     = "webrtc:stats:calls"
)

type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func callKey(callID string) string    { return keyCallPrefix + callID }
func userCallsKey(id string) string   { return keyUserCallPrefix + id }
func slotKey(id string) string        { return keySlotPrefix + id }

func (c *RedisCache) SetActive(ctx context.Context, call Call, ttl time.Duration) error {
	if call.CallID == "" {
		return fmt.Errorf("calls: call id is required")
	}
	body, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("calls: marshal shadow: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, callKey(call.CallID), body, ttl)
	pipe.SAdd(ctx, userCallsKey(call.From), call.CallID)
	pipe.SAdd(ctx, userCallsKey(call.To), call.CallID)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisCache) ClearActive(ctx context.Context, call Call) error {
	if call.CallID == "" {
		return fmt.Errorf("calls: call id is required")
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, callKey(call.CallID))
	pipe.SRem(ctx, userCallsKey(call.From), call.CallID)
	pipe.SRem(ctx, userCallsKey(call.To), call.CallID)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) ActiveCount(ctx context.Context) (int, error) {
	var count int
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyCallPrefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

func (c *RedisCache) AcquireSlot(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	return utils.AcquireCallSlot(ctx, c.rdb, slotKey(userID), ttl)
}

func (c *RedisCache) ReleaseSlot(ctx context.Context, userID string) error {
	return utils.ReleaseCallSlot(ctx, c.rdb, slotKey(userID))
}

func (c *RedisCache) IncrTotal(ctx context.Context) error {
	return c.rdb.Incr(ctx, keyTotalCalls).Err()
}

func (c *RedisCache) Total(ctx context.Context) (int64, error) {
	n, err := c.rdb.Get(ctx, keyTotalCalls).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
