package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// fillScript writes the snapshot only while the generation is unchanged. A
// missing generation key reads as "0".
var fillScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1]) or '0'
if current ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

type RedisCache struct {
	client  redis.UniversalClient
	baseTTL time.Duration
}

func NewRedisCache(client redis.UniversalClient, baseTTL time.Duration) *RedisCache {
	if baseTTL <= 0 {
		baseTTL = 15 * time.Minute
	}
	return &RedisCache{
		client:  client,
		baseTTL: baseTTL,
	}
}

func (r *RedisCache) Get(ctx context.Context, userID int64) (*CartSnapshot, error) {
	data, err := r.client.Get(ctx, snapshotKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var snapshot CartSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}

	return &snapshot, nil
}

func (r *RedisCache) Generation(ctx context.Context, userID int64) (string, error) {
	gen, err := r.client.Get(ctx, generationKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get generation failed: %w", err)
	}
	return gen, nil
}

// Fill stores the snapshot with a jittered TTL so keys written together do not
// expire together. It reports false when an invalidation beat it.
func (r *RedisCache) Fill(ctx context.Context, userID int64, generation string, snapshot *CartSnapshot) (bool, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("marshal cart failed: %w", err)
	}

	ttl := r.baseTTL + time.Duration(rand.Int63n(int64(r.baseTTL/3)+1))
	keys := []string{generationKey(userID), snapshotKey(userID)}

	stored, err := fillScript.Run(ctx, r.client, keys, generation, data, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis fill failed: %w", err)
	}
	return stored == 1, nil
}

// Invalidate bumps the generation before dropping the snapshot, so a fill that
// loaded before the bump can no longer land.
func (r *RedisCache) Invalidate(ctx context.Context, userID int64) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(userID))
		pipe.Expire(ctx, generationKey(userID), r.generationTTL())
		pipe.Del(ctx, snapshotKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate failed: %w", err)
	}
	return nil
}

// The generation must outlive any snapshot written under it.
func (r *RedisCache) generationTTL() time.Duration {
	ttl := 4 * r.baseTTL
	if ttl < time.Hour {
		ttl = time.Hour
	}
	return ttl
}

// Both keys share a hash tag so the script stays on one cluster slot.
func snapshotKey(userID int64) string {
	return fmt.Sprintf("cart:{%d}", userID)
}

func generationKey(userID int64) string {
	return fmt.Sprintf("cart:{%d}:gen", userID)
}
