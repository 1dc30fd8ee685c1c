package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "janus:cache:"

// RedisStore keeps encoded entries in redis with a native TTL.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects lazily to addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(c redis.UniversalClient) *RedisStore {
	return &RedisStore{client: c}
}

// Ping checks the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Save stores e under key for ttl.
func (r *RedisStore) Save(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	b, err := e.Encode()
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, b, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %w", ErrUnavailable, err)
	}
	return nil
}

// Load fetches and decodes the entry under key.
func (r *RedisStore) Load(ctx context.Context, key string) (*Entry, error) {
	b, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get: %w", ErrUnavailable, err)
	}
	return DecodeEntry(b)
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
