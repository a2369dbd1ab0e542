package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the postgres, redis and weaviate checks
// used by the health endpoint.
func BuildReadinessChecks(pool Pinger, rdb *redis.Client, index domain.VectorIndex) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	weaviateCheck := func(ctx context.Context) error {
		if index == nil {
			return fmt.Errorf("vector index not configured")
		}
		return index.Ready(ctx)
	}
	return dbCheck, redisCheck, weaviateCheck
}
