package cache

import (
	"context"
	"time"

	"github.com/kiranshivaraju/launchpad/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, jobID, status string, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID string) (string, bool, error)
	DeleteJobStatus(ctx context.Context, jobID string) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Close() error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// setStatusScript writes ARGV[1] unless the key already holds a terminal
// status (ARGV[3], ARGV[4]) and the new value is neither terminal nor the
// fresh-row status ARGV[5]. ARGV[2] is the TTL in milliseconds, 0 for none.
var setStatusScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local nxt = ARGV[1]
if (cur == ARGV[3] or cur == ARGV[4]) and nxt ~= ARGV[3] and nxt ~= ARGV[4] and nxt ~= ARGV[5] then
  return 0
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], nxt, 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], nxt)
end
return 1
`)

// SetJobStatus caches status for jobID. Writers race with each other, so a
// cached deployed or failed status is never replaced by building; the write
// is silently skipped instead.
func (c *RedisCache) SetJobStatus(ctx context.Context, jobID, status string, ttl time.Duration) error {
	return setStatusScript.Run(ctx, c.client, []string{JobStatusKey(jobID)},
		status, ttl.Milliseconds(),
		models.JobStatusDeployed, models.JobStatusFailed, models.JobStatusQueued,
	).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID string) (string, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) DeleteJobStatus(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, JobStatusKey(jobID)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
