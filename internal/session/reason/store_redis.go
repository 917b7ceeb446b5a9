package reason

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"passage/pkg/sentinel"
)

const keyPrefix = "signout-reason:"

// RedisStore shares sign-out reasons across instances, so the render that
// explains the sign-out can land on a different node than the one that
// forced it.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(userID string) string {
	return keyPrefix + userID
}

func (s *RedisStore) Record(ctx context.Context, userID, reason string) error {
	return s.client.Set(ctx, s.key(userID), reason, TTL).Err()
}

func (s *RedisStore) Consume(ctx context.Context, userID string) (string, error) {
	value, err := s.client.GetDel(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", sentinel.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
