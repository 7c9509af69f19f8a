package flowstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const statePrefix = "flowstate:"

// RedisStore implements the Store interface using Redis
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a new Redis-backed flow state store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// SaveState stores a flow identifier with expiration
func (s *RedisStore) SaveState(ctx context.Context, id string, expiresIn time.Duration) error {
	if id == "" {
		return errors.New("empty flow id")
	}
	if err := s.client.Set(ctx, statePrefix+id, "1", expiresIn).Err(); err != nil {
		return fmt.Errorf("storing flow id: %w", err)
	}
	return nil
}

// ConsumeState atomically reads and deletes a flow identifier
func (s *RedisStore) ConsumeState(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidState
	}
	if err := s.client.GetDel(ctx, statePrefix+id).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrInvalidState
		}
		return fmt.Errorf("consuming flow id: %w", err)
	}
	return nil
}

// CheckHealth verifies Redis connectivity
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
