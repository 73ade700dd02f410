package proxy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBuffer implements ports.ChunkBuffer on an external store. Chunks live
// under a per-session prefix with the configured TTL; eviction is Redis's
// job, which keeps orchestrator restarts from replaying stale media.
type RedisBuffer struct {
	client *redis.Client
	prefix string
	head   atomic.Int64
	ttl    time.Duration
	max    int64
}

func NewRedisBuffer(client *redis.Client, sessionKey string, maxChunks int, ttl time.Duration) *RedisBuffer {
	b := &RedisBuffer{
		client: client,
		prefix: "acefleet:chunks:" + sessionKey + ":",
		ttl:    ttl,
		max:    int64(maxChunks),
	}
	b.head.Store(-1)
	return b
}

func (b *RedisBuffer) key(idx int64) string {
	return fmt.Sprintf("%s%d", b.prefix, idx)
}

// Append stores the chunk with TTL and trims the tail past max
func (b *RedisBuffer) Append(ctx context.Context, data []byte) (int64, error) {
	idx := b.head.Load() + 1
	if err := b.client.Set(ctx, b.key(idx), data, b.ttl).Err(); err != nil {
		return 0, fmt.Errorf("redis append: %w", err)
	}
	b.head.Store(idx)

	if old := idx - b.max; old >= 0 {
		// Best effort: TTL covers us if the delete is lost
		b.client.Del(ctx, b.key(old))
	}
	return idx, nil
}

// Get fetches one chunk; a missing key means evicted or expired
func (b *RedisBuffer) Get(ctx context.Context, idx int64) ([]byte, bool, error) {
	if idx < 0 || idx > b.head.Load() {
		return nil, false, nil
	}
	data, err := b.client.Get(ctx, b.key(idx)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

// Head returns the highest written index, -1 when empty
func (b *RedisBuffer) Head() int64 { return b.head.Load() }

// Close drops this session's keys
func (b *RedisBuffer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for idx := b.head.Load(); idx >= 0 && idx > b.head.Load()-b.max; idx-- {
		b.client.Del(ctx, b.key(idx))
	}
	return nil
}
