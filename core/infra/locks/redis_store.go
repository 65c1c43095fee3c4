package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/flowlog/core/infra/redisutil"
)

const keyPrefix = "flowlog:lease:"

// acquireScript sets the lease when free or already ours, refreshing the TTL.
var acquireScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if (not holder) or holder == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

// releaseScript deletes the lease only for its holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore grants leases shared by every replica pointed at one Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to url.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("lease store unavailable")
	}
	resource, owner = strings.TrimSpace(resource), strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return false, errLeaseArgs
	}
	n, err := acquireScript.Run(ctx, s.client, []string{keyPrefix + resource}, owner, normalizeTTL(ttl).Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", resource, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, resource, owner string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("lease store unavailable")
	}
	if err := releaseScript.Run(ctx, s.client, []string{keyPrefix + resource}, owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", resource, err)
	}
	return nil
}

var (
	_ Lease = (*RedisStore)(nil)
	_ Lease = (*Local)(nil)
)
