package summarizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists a redacted payload under a run's storage root and returns a reference to it
type Store interface {
	Put(ctx context.Context, root, label string, data []byte) (string, error)
}

// FileStore writes payloads to <root>/<label>.json on the local filesystem
type FileStore struct{}

// Put writes the payload and returns its path
func (FileStore) Put(ctx context.Context, root, label string, data []byte) (string, error) {
	if root == "" {
		return "", fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("failed to create storage root: %w", err)
	}

	path := filepath.Join(root, label+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write summary payload: %w", err)
	}
	return path, nil
}

// RedisStore keeps payloads in Redis under "<root>/<label>.json"
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. A zero ttl keeps keys forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Put stores the payload and returns a redis:// reference
func (s *RedisStore) Put(ctx context.Context, root, label string, data []byte) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("redis client is not configured")
	}

	key := filepath.ToSlash(filepath.Join(root, label+".json"))
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store summary payload: %w", err)
	}
	return "redis://" + key, nil
}
