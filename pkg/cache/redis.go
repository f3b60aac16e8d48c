package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the durable cache tier backed by Redis.
//
// Key format:  {prefix}{canonical key}   e.g. "tellur:cache:tool:get_current_weather:9f3a…"
// Value:       JSON-encoded Record
// TTL:         set on the Redis key as well, so Redis reclaims memory on its
//              own even if CleanExpired never runs. The Record's expiry field
//              stays authoritative for readers.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a durable tier over an existing Redis client.
// prefix namespaces the keys (e.g. "tellur:cache:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Get fetches a record. Returns (nil, nil) when the key is absent.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache record %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding cache record %s: %w", key, err)
	}
	return &rec, nil
}

// Set writes a record with the given TTL on the Redis key.
func (s *RedisStore) Set(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding cache record %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("writing cache record %s: %w", key, err)
	}
	return nil
}

// Delete removes a record. Deleting an absent key is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("deleting cache record %s: %w", key, err)
	}
	return nil
}

// Clear removes every record under the prefix and returns the count.
func (s *RedisStore) Clear(ctx context.Context) (int, error) {
	removed := 0
	err := s.scan(ctx, func(fullKey string) error {
		if err := s.client.Del(ctx, fullKey).Err(); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("clearing cache records: %w", err)
	}
	return removed, nil
}

// CleanExpired removes records whose expiry has passed, plus records that no
// longer decode. Returns the number removed.
func (s *RedisStore) CleanExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.scan(ctx, func(fullKey string) error {
		data, err := s.client.Get(ctx, fullKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil // expired between SCAN and GET
		}
		if err != nil {
			return err
		}
		var rec Record
		stale := false
		if err := json.Unmarshal(data, &rec); err != nil {
			stale = true // corrupt record — remove it
		} else if !now.Before(rec.Expiry) {
			stale = true
		}
		if !stale {
			return nil
		}
		if err := s.client.Del(ctx, fullKey).Err(); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweeping cache records: %w", err)
	}
	return removed, nil
}

// scan iterates all keys under the prefix with SCAN (not KEYS, which would
// block Redis on large keyspaces).
func (s *RedisStore) scan(ctx context.Context, fn func(fullKey string) error) error {
	pattern := s.prefix + "*"
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
