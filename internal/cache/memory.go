package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache implements Cache in process with go-cache. Cancel flags and
// rate-limit counters are not shared between instances, so it only suits a
// single server.
type MemoryCache struct {
	c *gocache.Cache
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{c: gocache.New(10*time.Minute, time.Minute)}
}

func (m *MemoryCache) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryCache) SetJobSnapshot(_ context.Context, snap JobSnapshot, ttl time.Duration) error {
	m.c.Set(JobStatusKey(snap.JobID), snap, ttl)
	return nil
}

func (m *MemoryCache) GetJobSnapshot(_ context.Context, jobID uuid.UUID) (*JobSnapshot, bool, error) {
	v, ok := m.c.Get(JobStatusKey(jobID))
	if !ok {
		return nil, false, nil
	}
	snap := v.(JobSnapshot)
	return &snap, true, nil
}

func (m *MemoryCache) RequestCancel(_ context.Context, jobID uuid.UUID, ttl time.Duration) error {
	m.c.Set(CancelKey(jobID), true, ttl)
	return nil
}

func (m *MemoryCache) CancelRequested(_ context.Context, jobID uuid.UUID) (bool, error) {
	_, ok := m.c.Get(CancelKey(jobID))
	return ok, nil
}

func (m *MemoryCache) ClearCancel(_ context.Context, jobID uuid.UUID) error {
	m.c.Delete(CancelKey(jobID))
	return nil
}

// IncrWithExpiry starts a counter at zero with the given expiry when absent,
// then increments it. The expiry is not extended by later increments.
func (m *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		_ = m.c.Add(key, int64(0), expiry)
		var n int64
		n, err = m.c.IncrementInt64(key, 1)
		if err == nil {
			return n, nil
		}
		// The counter expired between Add and IncrementInt64; start over.
	}
	return 0, err
}

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)
