package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisKeyPrefix namespaces cache entries so Clear never touches
// unrelated keys in a shared Redis.
const redisKeyPrefix = "biomed:cache:"

// TieredStore layers the in-memory Store over a Redis second tier so
// multiple processes can share warm entries. Redis failures degrade to
// memory-only operation; they are logged and counted, never fatal.
type TieredStore struct {
	memory *Store
	redis  *redis.Client
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewTieredStore creates a tiered store over memory and redisClient.
func NewTieredStore(memory *Store, redisClient *redis.Client, logger zerolog.Logger) *TieredStore {
	if memory == nil {
		panic("memory store cannot be nil")
	}
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &TieredStore{
		memory: memory,
		redis:  redisClient,
		clock:  memory.clock,
		logger: logger,
	}
}

// Get checks the memory tier first, then Redis. A Redis hit is promoted
// into the memory tier.
func (t *TieredStore) Get(ctx context.Context, key Key) (*Entry, bool) {
	if entry, ok := t.memory.Get(ctx, key); ok {
		return entry, true
	}

	data, err := t.redis.Get(ctx, redisKeyPrefix+key.Digest()).Bytes()
	if err != nil {
		if err != redis.Nil {
			cacheErrors.WithLabelValues("get").Inc()
			t.logger.Warn().Err(err).Str("domain", key.Domain).Msg("Redis cache get failed")
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		cacheErrors.WithLabelValues("get").Inc()
		t.logger.Warn().Err(err).Str("domain", key.Domain).Msg("Corrupt Redis cache entry")
		_ = t.redis.Del(ctx, redisKeyPrefix+key.Digest()).Err()
		return nil, false
	}

	if entry.Expired(t.clock.Now()) {
		_ = t.redis.Del(ctx, redisKeyPrefix+key.Digest()).Err()
		return nil, false
	}

	cacheHits.WithLabelValues("redis").Inc()
	t.memory.Set(ctx, key, &entry)
	return &entry, true
}

// Set stores entry in both tiers. The Redis key carries a server-side
// TTL matching the entry's remaining lifetime.
func (t *TieredStore) Set(ctx context.Context, key Key, entry *Entry) {
	t.memory.Set(ctx, key, entry)

	if entry == nil || entry.TTL <= 0 {
		return
	}

	remaining := entry.ExpiresAt().Sub(t.clock.Now())
	if remaining <= 0 {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		cacheErrors.WithLabelValues("set").Inc()
		t.logger.Warn().Err(err).Msg("Marshal cache entry failed")
		return
	}

	if err := t.redis.Set(ctx, redisKeyPrefix+key.Digest(), data, remaining).Err(); err != nil {
		cacheErrors.WithLabelValues("set").Inc()
		t.logger.Warn().Err(err).Str("domain", key.Domain).Msg("Redis cache set failed")
	}
}

// Delete removes the entry from both tiers.
func (t *TieredStore) Delete(ctx context.Context, key Key) {
	t.memory.Delete(ctx, key)
	if err := t.redis.Del(ctx, redisKeyPrefix+key.Digest()).Err(); err != nil {
		cacheErrors.WithLabelValues("delete").Inc()
		t.logger.Warn().Err(err).Msg("Redis cache delete failed")
	}
}

// Clear removes all cache entries from both tiers. Only keys under the
// cache namespace are touched in Redis.
func (t *TieredStore) Clear(ctx context.Context) error {
	if err := t.memory.Clear(ctx); err != nil {
		return err
	}

	iter := t.redis.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := t.redis.Del(ctx, iter.Val()).Err(); err != nil {
			cacheErrors.WithLabelValues("clear").Inc()
			return fmt.Errorf("redis del: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		cacheErrors.WithLabelValues("clear").Inc()
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}
