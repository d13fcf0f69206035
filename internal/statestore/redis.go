package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisStore implements Store on top of Redis. GETDEL provides the atomic
// get-and-delete, so the server must be Redis 6.2 or newer.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to the Redis server described by redisURL
// (redis:// or rediss://) and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("state_store.open.redis: %w", parseErr)
	}
	if options.DialTimeout == 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.ReadTimeout == 0 {
		options.ReadTimeout = DefaultReadTimeout
	}
	if options.WriteTimeout == 0 {
		options.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("state_store.open.redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps a pre-configured client. Tests use it with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the string stored under key.
func (store *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := store.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("state_store.get.redis: %w", translateRedisError(err))
	}
	return value, nil
}

// Set stores value under key with an optional ttl.
func (store *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("state_store.set.redis: %w", ErrEmptyKey)
	}
	if err := store.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("state_store.set.redis: %w", err)
	}
	return nil
}

// GetAndDelete reads and removes key with a single GETDEL command.
func (store *RedisStore) GetAndDelete(ctx context.Context, key string) (string, error) {
	value, err := store.client.GetDel(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("state_store.get_and_delete.redis: %w", translateRedisError(err))
	}
	return value, nil
}

// Delete removes key. Missing keys are not an error.
func (store *RedisStore) Delete(ctx context.Context, key string) error {
	if err := store.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("state_store.delete.redis: %w", err)
	}
	return nil
}

// HashSet writes fields into the hash stored under key with a single HSET.
func (store *RedisStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if key == "" {
		return fmt.Errorf("state_store.hash_set.redis: %w", ErrEmptyKey)
	}
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for field, value := range fields {
		values[field] = value
	}
	if err := store.client.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("state_store.hash_set.redis: %w", err)
	}
	return nil
}

// HashGet returns one field of the hash stored under key.
func (store *RedisStore) HashGet(ctx context.Context, key string, field string) (string, error) {
	value, err := store.client.HGet(ctx, key, field).Result()
	if err != nil {
		return "", fmt.Errorf("state_store.hash_get.redis: %w", translateRedisError(err))
	}
	return value, nil
}

// HashGetAll returns every field of the hash stored under key.
func (store *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	values, err := store.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("state_store.hash_get_all.redis: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("state_store.hash_get_all.redis: %w", ErrNotFound)
	}
	return values, nil
}

// HashDelete removes the hash stored under key.
func (store *RedisStore) HashDelete(ctx context.Context, key string) error {
	if err := store.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("state_store.hash_delete.redis: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (store *RedisStore) Ping(ctx context.Context) error {
	return store.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (store *RedisStore) Close() error {
	return store.client.Close()
}

func translateRedisError(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}
