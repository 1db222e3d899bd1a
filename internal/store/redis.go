// redis.go -- go-redis backed throttle counters and password reset tokens.
//
// Both live only in Redis: they are short-lived, keyed by email, and expire on their own.
package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL, connects, and pings.
// Call once at startup from main.go...all Redis structs share the returned client's pool.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// incrSliding bumps the counter and pushes its expiry out to now+ttl on every hit,
// in one round trip so a crash between the two can't leave an immortal key.
var incrSliding = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return n
`)

// RedisCounter is a keyed counter with a sliding expiry.
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter returns a counter over rdb.
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// Increment adds one to key and resets its TTL to ttl. Returns the new count.
func (c *RedisCounter) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrSliding.Run(ctx, c.rdb, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}
	return n, nil
}

// Get returns the current count, 0 if the key is missing or expired.
func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", key, err)
	}
	return n, nil
}

// Clear deletes the counter.
func (c *RedisCounter) Clear(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// CheckHealth pings the Redis server behind the counter.
func (c *RedisCounter) CheckHealth(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// resetTokenPrefix namespaces reset tokens by normalized email.
const resetTokenPrefix = "auth:reset-token:"

// ResetTokenCache stores at most one password reset token per email.
type ResetTokenCache struct {
	rdb *redis.Client
}

// NewResetTokenCache returns a cache over rdb.
func NewResetTokenCache(rdb *redis.Client) *ResetTokenCache {
	return &ResetTokenCache{rdb: rdb}
}

// PutResetToken stores token for email, replacing any previous one.
func (c *ResetTokenCache) PutResetToken(ctx context.Context, email, token string, ttl time.Duration) error {
	return c.rdb.Set(ctx, resetTokenPrefix+email, token, ttl).Err()
}

// DeleteResetToken drops any token for email.
func (c *ResetTokenCache) DeleteResetToken(ctx context.Context, email string) error {
	return c.rdb.Del(ctx, resetTokenPrefix+email).Err()
}

// ConsumeResetToken deletes the stored token and returns true only if it equals token.
// A mismatch leaves the stored token in place. The read and delete run under WATCH,
// so two concurrent consumers of one token can't both succeed.
func (c *ResetTokenCache) ConsumeResetToken(ctx context.Context, email, token string) (bool, error) {
	key := resetTokenPrefix + email
	consumed := false

	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		consumed = true
		return nil
	}, key)

	// Someone else touched the key between GET and DEL; treat as not consumed.
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consuming reset token: %w", err)
	}
	return consumed, nil
}
