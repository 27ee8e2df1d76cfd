// internal/state/redis.go
package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/user/insightdash/internal/types"
)

// RedisRepository stores the snapshot under a single redis key with no
// expiry.
type RedisRepository struct {
	client *redis.Client
	key    string
}

// NewRedisRepository verifies the connection and returns a repository
// storing the snapshot under key.
func NewRedisRepository(ctx context.Context, client *redis.Client, key string) (*RedisRepository, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if key == "" {
		key = "insightdash:conversations"
	}
	return &RedisRepository{client: client, key: key}, nil
}

func (r *RedisRepository) Load(ctx context.Context) (*types.Snapshot, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return DecodeSnapshot(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

func (r *RedisRepository) Save(ctx context.Context, snap *types.Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
