package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix namespaces session records in Redis
const RedisKeyPrefix = "megillah:session:"

// DefaultRedisTTL bounds how long a session record lives in Redis
const DefaultRedisTTL = 24 * time.Hour

// RedisStore implements RecordStore on Redis string keys. A colliding code
// overwrites the earlier record, matching the newest-wins rule of the SQL stores.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStore creates a store. A non-positive ttl uses DefaultRedisTTL.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Insert(ctx context.Context, rec Record) error {
	if err := s.client.Set(ctx, RedisKeyPrefix+rec.Code, rec.Password, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *RedisStore) FetchPassword(ctx context.Context, code string) (string, error) {
	password, err := s.client.Get(ctx, RedisKeyPrefix+code).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	return password, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
