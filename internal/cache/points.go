// Package cache stores derived point totals.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// versionTTL keeps a user's version key alive well past any cached total.
const versionTTL = 24 * time.Hour

// storeIfCurrent writes the total only while the version key still holds the
// version the caller read before summing the ledger.
var storeIfCurrent = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
  current = "0"
end
if current ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// NoopPointsCache never stores anything; every read is a miss.
type NoopPointsCache struct{}

// Get always misses.
func (NoopPointsCache) Get(context.Context, string) (int, int64, bool, error) {
	return 0, 0, false, nil
}

// Set performs no action.
func (NoopPointsCache) Set(context.Context, string, int64, int) error { return nil }

// Invalidate performs no action.
func (NoopPointsCache) Invalidate(context.Context, string) error { return nil }

// RedisPointsCache keeps one integer per user with a TTL, guarded by a per-user
// version counter that Invalidate bumps.
type RedisPointsCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisPointsCache constructs a RedisPointsCache.
func NewRedisPointsCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisPointsCache {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "greenpoints:points_total"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisPointsCache{client: client, prefix: trimmed, ttl: ttl}
}

// Both keys share a hash tag so the script and MGET stay on one cluster slot.
func (c *RedisPointsCache) key(userID string) string {
	return fmt.Sprintf("%s:{%s}", c.prefix, userID)
}

func (c *RedisPointsCache) versionKey(userID string) string {
	return fmt.Sprintf("%s:{%s}:version", c.prefix, userID)
}

// Get returns the cached total for userID together with the current version.
// The version is reported on a miss too, for the Set that follows.
func (c *RedisPointsCache) Get(ctx context.Context, userID string) (int, int64, bool, error) {
	vals, err := c.client.MGet(ctx, c.versionKey(userID), c.key(userID)).Result()
	if err != nil {
		return 0, 0, false, err
	}
	version, _, err := intValue(vals[0])
	if err != nil {
		return 0, 0, false, fmt.Errorf("points cache version: %w", err)
	}
	total, ok, err := intValue(vals[1])
	if err != nil {
		return 0, 0, false, fmt.Errorf("points cache total: %w", err)
	}
	return int(total), version, ok, nil
}

// Set stores total for userID unless an invalidation has moved the version on.
func (c *RedisPointsCache) Set(ctx context.Context, userID string, version int64, total int) error {
	keys := []string{c.versionKey(userID), c.key(userID)}
	return storeIfCurrent.Run(ctx, c.client, keys, version, total, c.ttl.Milliseconds()).Err()
}

// Invalidate bumps the user's version and drops the cached total in one transaction.
func (c *RedisPointsCache) Invalidate(ctx context.Context, userID string) error {
	vk := c.versionKey(userID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, vk)
		pipe.PExpire(ctx, vk, versionTTL)
		pipe.Del(ctx, c.key(userID))
		return nil
	})
	return err
}

func intValue(v interface{}) (int64, bool, error) {
	s, ok := v.(string)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Connect parses url, pings the server and returns a client.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
