package repository

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	appErrors "github.com/noah-isme/enrollment-reconciler/pkg/errors"
)

const dedupKeyPrefix = "webhook:processed:"

// RedisEventDedup remembers processed provider event ids in Redis so every
// instance drops the same duplicates.
type RedisEventDedup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEventDedup constructs a Redis-backed dedup store.
func NewRedisEventDedup(client *redis.Client, ttl time.Duration) *RedisEventDedup {
	return &RedisEventDedup{client: client, ttl: ttl}
}

// Seen reports whether the event id was marked before.
func (d *RedisEventDedup) Seen(ctx context.Context, eventID string) (bool, error) {
	if d.client == nil {
		return false, nil
	}
	n, err := d.client.Exists(ctx, dedupKeyPrefix+eventID).Result()
	if err != nil {
		return false, dedupUnavailable(err)
	}
	return n > 0, nil
}

// Mark records the event id as processed.
func (d *RedisEventDedup) Mark(ctx context.Context, eventID string) error {
	if d.client == nil {
		return nil
	}
	if err := d.client.SetNX(ctx, dedupKeyPrefix+eventID, time.Now().UTC().Unix(), d.ttl).Err(); err != nil {
		return dedupUnavailable(err)
	}
	return nil
}

func dedupUnavailable(err error) error {
	return appErrors.Wrap(err, appErrors.ErrExternalService.Code, appErrors.ErrExternalService.Status, "dedup store unavailable")
}

// MemoryEventDedup is a per-process dedup store. It is only correct for a
// single instance; scaled deployments should use RedisEventDedup.
type MemoryEventDedup struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryEventDedup constructs an in-process dedup store.
func NewMemoryEventDedup(ttl time.Duration) *MemoryEventDedup {
	return &MemoryEventDedup{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

// Seen reports whether the event id was marked within the TTL.
func (d *MemoryEventDedup) Seen(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	expires, ok := d.seen[eventID]
	if !ok {
		return false, nil
	}
	if d.ttl > 0 && d.now().After(expires) {
		delete(d.seen, eventID)
		return false, nil
	}
	return true, nil
}

// Mark records the event id and evicts expired entries.
func (d *MemoryEventDedup) Mark(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, expires := range d.seen {
		if d.ttl > 0 && now.After(expires) {
			delete(d.seen, id)
		}
	}
	d.seen[eventID] = now.Add(d.ttl)
	return nil
}
