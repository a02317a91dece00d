package limiter

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is a limiter shared by every instance pointing at the same Redis.
// Failures are counted under a key that expires Window after the last failure;
// a block is a separate key expiring after BlockFor.
type Redis struct {
	client *redis.Client
	policy Policy
	prefix string
}

// NewRedis constructs a Redis-backed limiter.
func NewRedis(client *redis.Client, p Policy, prefix string) *Redis {
	if prefix == "" {
		prefix = "securehub:login"
	}
	return &Redis{client: client, policy: p, prefix: prefix}
}

func (l *Redis) keys(username string, ipHash []byte) (fails, block string) {
	id := username + ":" + hex.EncodeToString(ipHash)
	return fmt.Sprintf("%s:fails:%s", l.prefix, id), fmt.Sprintf("%s:block:%s", l.prefix, id)
}

// Allow reports whether the pair is currently unblocked.
func (l *Redis) Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	_, block := l.keys(username, ipHash)
	ttl, err := l.client.TTL(ctx, block).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis ttl: %w", err)
	}
	if ttl > 0 {
		return false, ttl, nil
	}
	return true, 0, nil
}

// Success clears the failure counter and any block.
func (l *Redis) Success(ctx context.Context, username string, ipHash []byte) error {
	fails, block := l.keys(username, ipHash)
	return l.client.Del(ctx, fails, block).Err()
}

// Failure increments the counter and blocks the pair once MaxFails is reached.
func (l *Redis) Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	fails, block := l.keys(username, ipHash)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, fails)
	pipe.Expire(ctx, fails, l.policy.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("redis incr: %w", err)
	}
	if incr.Val() < int64(l.policy.MaxFails) {
		return false, 0, nil
	}

	pipe = l.client.TxPipeline()
	pipe.Set(ctx, block, 1, l.policy.BlockFor)
	pipe.Del(ctx, fails)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("redis block: %w", err)
	}
	return true, l.policy.BlockFor, nil
}
