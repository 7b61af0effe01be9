package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBlobStore keeps the snapshot in a single Redis key, for deployments
// where the daemon has no durable filesystem.
type redisBlobStore struct {
	client *redis.Client
	key    string
}

// NewRedisBlobStore connects to Redis and verifies the connection.
// URL format: redis://[:password@]host:port/db
func NewRedisBlobStore(redisURL, key string) (BlobStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if key == "" {
		key = "wallet:snapshot"
	}
	return &redisBlobStore{client: client, key: key}, nil
}

func (r *redisBlobStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (r *redisBlobStore) Load() ([]byte, bool, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *redisBlobStore) Save(data []byte) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.Set(ctx, r.key, data, 0).Err()
}

func (r *redisBlobStore) Delete() error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.Del(ctx, r.key).Err()
}
