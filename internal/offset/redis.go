package offset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisClient abstracts the go-redis methods used by RedisStore for testing.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisStore keeps each offset as a JSON string under "<namespace>:<partition>".
type RedisStore struct {
	client    redisClient
	namespace string
}

// OpenRedis connects to the Redis server at url and verifies it responds.
func OpenRedis(ctx context.Context, url, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStore(client, namespace), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redisClient, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) key(p Partition) string {
	return s.namespace + ":" + p.Key()
}

func (s *RedisStore) Offset(ctx context.Context, p Partition) (Offset, error) {
	val, err := s.client.Get(ctx, s.key(p)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.key(p), err)
	}
	return decodeOffset(val)
}

func (s *RedisStore) Commit(ctx context.Context, p Partition, o Offset) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode offset: %w", err)
	}
	if err := s.client.Set(ctx, s.key(p), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key(p), err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
