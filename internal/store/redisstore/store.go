package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps a redis client with key namespacing and a default TTL.
// Values are JSON strings; expiry is redis-native, never polled.
type Store struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
}

// Entry is a cached value together with its remaining lifetime.
type Entry struct {
	Value string
	TTL   time.Duration
}

func New(client *redis.Client, prefix string, defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &Store{client: client, prefix: prefix, defaultTTL: defaultTTL}
}

// Key namespaces a cache key with the configured prefix.
func (s *Store) Key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) DefaultTTL() time.Duration { return s.defaultTTL }

// Get returns the value and remaining TTL, or nil on a miss.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	val, err := getCmd.Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ttl, err := ttlCmd.Result()
	if err != nil {
		return nil, err
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Entry{Value: val, TTL: ttl}, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Touch extends the key's TTL only if the key exists. Returns whether the
// expiry was applied.
func (s *Store) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return s.client.ExpireXX(ctx, key, ttl).Result()
}

// PartialUpdate merges fields into the JSON object stored at key and writes
// it back preserving the existing TTL, so bumping a counter never extends
// session lifetime. Missing key is a no-op returning nil. A key without an
// expiry (should not happen for session keys) gets the default TTL.
func (s *Store) PartialUpdate(ctx context.Context, key string, fields map[string]any) (map[string]any, error) {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	var merged map[string]any
	if err := json.Unmarshal([]byte(entry.Value), &merged); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}

	b, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}

	if entry.TTL > 0 {
		err = s.client.Set(ctx, key, b, redis.KeepTTL).Err()
	} else {
		err = s.client.Set(ctx, key, b, s.defaultTTL).Err()
	}
	if err != nil {
		return nil, err
	}
	return merged, nil
}
