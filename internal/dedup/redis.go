package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper claims message keys with SETNX so duplicates are suppressed
// across gateway replicas sharing one Redis.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects to Redis and verifies connectivity. Returns the deduper
// and any connection error (caller decides whether to fall back to memory).
func NewRedis(addr, password string, db int, ttl time.Duration) (*RedisDeduper, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	// Ping to verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis dedup connected", "addr", addr, "db", db)
	return &RedisDeduper{rdb: rdb, ttl: ttl}, nil
}

// Seen claims the key with SETNX. A Redis error counts as unseen so a Redis
// outage degrades to occasional duplicates instead of dropped messages.
func (d *RedisDeduper) Seen(ctx context.Context, key string) bool {
	claimed, err := d.rdb.SetNX(ctx, "dedup:"+key, 1, d.ttl).Result()
	if err != nil {
		slog.Warn("Redis dedup check failed, treating as unseen", "key", key, "error", err)
		return false
	}
	return !claimed
}

// Stop closes the underlying redis client.
func (d *RedisDeduper) Stop() {
	d.rdb.Close()
}

var _ Deduper = (*RedisDeduper)(nil)
