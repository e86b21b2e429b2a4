package oauthstate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps state tokens in Redis with native TTL expiry, so the OAuth
// callback can be served by any instance behind a load balancer. Consume uses
// GETDEL for the atomic read-and-delete.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(token string) string {
	return fmt.Sprintf("%s:oauth-state:%s", s.prefix, token)
}

func (s *RedisStore) Put(ctx context.Context, token string, userID int64, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(token), userID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store state in redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Consume(ctx context.Context, token string) (int64, bool, error) {
	value, err := s.client.GetDel(ctx, s.key(token)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to consume state from redis: %w", err)
	}

	userID, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt state entry %q: %w", value, err)
	}
	return userID, true, nil
}
