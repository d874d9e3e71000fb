package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vovakirdan/wiremesh/internal/store"
)

// Store keeps blobs in Redis under blob:<handle>.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to redisURL and checks the connection. A zero ttl keeps
// blobs until evicted by Redis itself.
func New(ctx context.Context, redisURL string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Store{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func blobKey(h store.Handle) string {
	return "blob:" + string(h)
}

// Put stores data. Existing content under the same handle is left alone.
func (s *Store) Put(ctx context.Context, data []byte) (store.Handle, error) {
	h := store.HandleOf(data)
	if err := s.client.SetNX(ctx, blobKey(h), data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("set blob: %w", err)
	}
	return h, nil
}

// Get loads the blob for h.
func (s *Store) Get(ctx context.Context, h store.Handle) ([]byte, error) {
	data, err := s.client.Get(ctx, blobKey(h)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("get %s: %w", h, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return data, nil
}
