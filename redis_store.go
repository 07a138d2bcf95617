package orkestra

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// CacheStore is the persistent storage primitive consumed by the response
// cache's slow tier. Implementations must tolerate concurrent use. A missing
// key is reported through the boolean, not an error.
type CacheStore interface {
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Write(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// RedisStoreConfig configures the Redis-backed cache store.
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// RedisStore implements CacheStore on a Redis server. TTL enforcement is
// delegated to Redis key expiry; the tiered cache still validates the stored
// expiry on read.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{rdb: rdb, prefix: config.KeyPrefix}, nil
}

// NewRedisStoreWithClient wraps an already configured client, e.g. one shared
// with the rest of the application.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{rdb: client, prefix: keyPrefix}
}

func (s *RedisStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisStore) Write(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.prefix+key, data, ttl).Err()
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
