// Package dedup keeps a bounded, expiring record of keys that were already
// processed. It short-circuits repeated work and is never a source of truth.
package dedup

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Index is safe for concurrent use.
type Index interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

const (
	DefaultCapacity = 50000
	DefaultTTL      = 72 * time.Hour
)

// MemoryIndex is a process-local LRU with per-key expiry.
type MemoryIndex struct {
	cache *expirable.LRU[string, time.Time]
}

func NewMemoryIndex(capacity int, ttl time.Duration) *MemoryIndex {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryIndex{cache: expirable.NewLRU[string, time.Time](capacity, nil, ttl)}
}

func (m *MemoryIndex) Seen(_ context.Context, key string) (bool, error) {
	_, ok := m.cache.Get(key)
	return ok, nil
}

func (m *MemoryIndex) Mark(_ context.Context, key string) error {
	m.cache.Add(key, time.Now().UTC())
	return nil
}

func (m *MemoryIndex) Len() int {
	return m.cache.Len()
}

// RedisIndex shares the index between processes. Capacity is bounded by
// the key TTL.
type RedisIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisIndex(client *redis.Client, prefix string, ttl time.Duration) *RedisIndex {
	if prefix == "" {
		prefix = "mailpipe:dedup:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisIndex{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisIndex) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisIndex) Mark(ctx context.Context, key string) error {
	return r.client.Set(ctx, r.prefix+key, time.Now().UTC().Unix(), r.ttl).Err()
}
