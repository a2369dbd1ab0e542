// Package idempotency maps (principal, token) pairs to job ids in Redis
// so a retried submission returns the original job instead of creating a
// duplicate.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store resolves idempotency tokens for submissions.
type Store interface {
	Lookup(ctx context.Context, principal, token string) (jobID string, found bool, err error)
	Remember(ctx context.Context, principal, token, jobID string) error
}

// RedisStore keeps idempotency keys alongside the queue and rate-limit
// state so a single Redis covers all admission bookkeeping.
type RedisStore struct {
	redis redis.Cmdable
	ttl   time.Duration
}

// NewRedisStore constructs a store with the default 24h token lifetime.
func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{redis: rdb, ttl: 24 * time.Hour}
}

func (s *RedisStore) key(principal, token string) string {
	return fmt.Sprintf("idem:%s:%s", principal, token)
}

// Lookup returns the job id previously recorded for the token, if any.
func (s *RedisStore) Lookup(ctx context.Context, principal, token string) (string, bool, error) {
	if s == nil || s.redis == nil || token == "" {
		return "", false, nil
	}
	v, err := s.redis.Get(ctx, s.key(principal, token)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=idempotency.lookup: %w", err)
	}
	return v, true, nil
}

// Remember records token -> jobID after the job row exists. SetNX keeps
// the first writer's job id if two submissions race past Lookup.
func (s *RedisStore) Remember(ctx context.Context, principal, token, jobID string) error {
	if s == nil || s.redis == nil || token == "" {
		return nil
	}
	if err := s.redis.SetNX(ctx, s.key(principal, token), jobID, s.ttl).Err(); err != nil {
		return fmt.Errorf("op=idempotency.remember: %w", err)
	}
	return nil
}
