package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. The client's connection pool is shared
// for the process lifetime.
type RedisStore struct {
	client redis.UniversalClient
}

// RedisOptions configures NewRedisClient. Zero values keep go-redis defaults.
type RedisOptions struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient parses opts.URL (redis://[:password@]host:port/db) and builds a pooled client.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	o, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.PoolSize > 0 {
		o.PoolSize = opts.PoolSize
	}
	if opts.MinIdleConns > 0 {
		o.MinIdleConns = opts.MinIdleConns
	}
	if opts.DialTimeout > 0 {
		o.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		o.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		o.WriteTimeout = opts.WriteTimeout
	}
	return redis.NewClient(o), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Get implements Store.Get. redis.Nil is a miss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeError("redis get", err)
	}
	return b, true, nil
}

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return storeError("redis set", err)
	}
	return nil
}

// Ping checks if Redis is reachable. Used for health checks and recovery probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeError("redis ping", err)
	}
	return nil
}

// Close closes the client pool. Call during shutdown.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
