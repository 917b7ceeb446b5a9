package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"passage/pkg/sentinel"
)

const keyPrefix = "session:"

// RedisStore persists session entries in redis with a TTL derived from the
// entry's expiry.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(sid string) string {
	return keyPrefix + sid
}

func (s *RedisStore) Create(ctx context.Context, entry Entry) error {
	if entry.SID == "" {
		return fmt.Errorf("session cache: missing sid")
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session cache: expiry must be in the future")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("session cache: marshal: %w", err)
	}
	return s.client.Set(ctx, s.key(entry.SID), data, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, sid string) (*Entry, error) {
	value, err := s.client.Get(ctx, s.key(sid)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		return nil, fmt.Errorf("session cache: unmarshal: %w", err)
	}
	return &entry, nil
}

func (s *RedisStore) Delete(ctx context.Context, sid string) error {
	return s.client.Del(ctx, s.key(sid)).Err()
}
