package rbac

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/dormgate/pkg/auth"
)

// cacheEntry is a remembered decision with the time it was resolved
type cacheEntry struct {
	allowed    bool
	source     Source
	resolvedAt time.Time
}

func cacheKey(path string, role auth.Role) string {
	return path + "\x00" + string(role)
}

func keyHasPath(key, path string) bool {
	return strings.HasPrefix(key, path+"\x00")
}

// SharedCache is a decision cache shared by server replicas. Implementations
// report (found=false, err=nil) on a miss.
type SharedCache interface {
	Get(ctx context.Context, path string, role auth.Role) (entry SharedEntry, found bool, err error)
	Set(ctx context.Context, path string, role auth.Role, entry SharedEntry, ttl time.Duration) error
	DeletePath(ctx context.Context, path string) error
	DeleteAll(ctx context.Context) error
}

// SharedEntry is a decision as stored in a SharedCache
type SharedEntry struct {
	Allowed    bool
	Source     Source
	ResolvedAt time.Time
}

// RedisCache stores decisions in Redis under "<prefix><path>|<role>"
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a shared cache. prefix defaults to "dormgate:perm:".
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "dormgate:perm:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(path string, role auth.Role) string {
	return c.prefix + path + "|" + string(role)
}

// Get reads a decision. A malformed value is deleted and reported as a miss.
func (c *RedisCache) Get(ctx context.Context, path string, role auth.Role) (SharedEntry, bool, error) {
	key := c.key(path, role)
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return SharedEntry{}, false, nil
	}
	if err != nil {
		return SharedEntry{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	entry, ok := decodeSharedEntry(val)
	if !ok {
		c.client.Del(ctx, key)
		return SharedEntry{}, false, nil
	}
	return entry, true, nil
}

// Set writes a decision with a TTL
func (c *RedisCache) Set(ctx context.Context, path string, role auth.Role, entry SharedEntry, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(path, role), encodeSharedEntry(entry), ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// DeletePath removes every role's decision for path
func (c *RedisCache) DeletePath(ctx context.Context, path string) error {
	return c.deleteMatching(ctx, c.prefix+escapeGlob(path)+"|*")
}

// DeleteAll removes every decision under the prefix
func (c *RedisCache) DeleteAll(ctx context.Context) error {
	return c.deleteMatching(ctx, escapeGlob(c.prefix)+"*")
}

func (c *RedisCache) deleteMatching(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// encodeSharedEntry formats "<0|1>:<source>:<unix nanos>"
func encodeSharedEntry(e SharedEntry) string {
	allowed := "0"
	if e.Allowed {
		allowed = "1"
	}
	return allowed + ":" + string(e.Source) + ":" + strconv.FormatInt(e.ResolvedAt.UnixNano(), 10)
}

func decodeSharedEntry(val string) (SharedEntry, bool) {
	parts := strings.SplitN(val, ":", 3)
	if len(parts) != 3 || (parts[0] != "0" && parts[0] != "1") {
		return SharedEntry{}, false
	}
	nanos, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return SharedEntry{}, false
	}
	return SharedEntry{
		Allowed:    parts[0] == "1",
		Source:     Source(parts[1]),
		ResolvedAt: time.Unix(0, nanos),
	}, true
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
