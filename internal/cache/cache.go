package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobSnapshot is the lightweight progress view mirrored after every item, so
// progress polls do not hit the database.
type JobSnapshot struct {
	JobID          uuid.UUID `json:"job_id"`
	OwnerID        uuid.UUID `json:"owner_id"`
	Status         string    `json:"status"`
	TotalItems     int       `json:"total_items"`
	ProcessedItems int       `json:"processed_items"`
	FailedItems    int       `json:"failed_items"`
	CreditsCharged int       `json:"credits_charged"`
}

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobSnapshot(ctx context.Context, snap JobSnapshot, ttl time.Duration) error
	GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, bool, error)
	RequestCancel(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error
	CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
	ClearCancel(ctx context.Context, jobID uuid.UUID) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
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

func (c *RedisCache) SetJobSnapshot(ctx context.Context, snap JobSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, JobStatusKey(snap.JobID), data, ttl).Err()
}

func (c *RedisCache) GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snap JobSnapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

func (c *RedisCache) RequestCancel(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error {
	return c.client.Set(ctx, CancelKey(jobID), "1", ttl).Err()
}

func (c *RedisCache) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	n, err := c.client.Exists(ctx, CancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) ClearCancel(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, CancelKey(jobID)).Err()
}

// IncrWithExpiry starts the counter with expiry when absent, then increments
// it. Later increments keep the original expiry, so the window is fixed.
func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	pipe.SetNX(ctx, key, 0, expiry)
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
