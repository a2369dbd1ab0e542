package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// CacheRepo stores enriched profile payloads with a TTL. Shared-read
// across jobs; last-writer-wins on identical keys is acceptable.
type CacheRepo struct{ Pool PgxPool }

// NewCacheRepo constructs a CacheRepo with the given pool.
func NewCacheRepo(p PgxPool) *CacheRepo { return &CacheRepo{Pool: p} }

// BulkGet returns the non-expired entries for the given cache keys,
// keyed by cache key. Missing and expired keys are simply absent.
func (r *CacheRepo) BulkGet(ctx context.Context, cacheKeys []string) (map[string]domain.CacheEntry, error) {
	tracer := otel.Tracer("repo.profile_cache")
	ctx, span := tracer.Start(ctx, "profile_cache.BulkGet")
	defer span.End()
	out := make(map[string]domain.CacheEntry, len(cacheKeys))
	if len(cacheKeys) == 0 {
		return out, nil
	}
	q := `SELECT cache_key, normalized_url, platform, raw_data, cached_at, expires_at
		FROM profile_cache WHERE cache_key = ANY($1) AND expires_at > $2`
	rows, err := r.Pool.Query(ctx, q, cacheKeys, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("op=cache.bulk_get: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.CacheEntry
		var raw []byte
		if err := rows.Scan(&e.CacheKey, &e.NormalizedURL, &e.Platform, &raw, &e.CachedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("op=cache.bulk_get: %w", err)
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &e.RawData)
		}
		out[e.CacheKey] = e
	}
	return out, rows.Err()
}

// Put upserts entries; identical keys overwrite (last writer wins).
func (r *CacheRepo) Put(ctx context.Context, entries []domain.CacheEntry) error {
	tracer := otel.Tracer("repo.profile_cache")
	ctx, span := tracer.Start(ctx, "profile_cache.Put")
	defer span.End()
	q := `INSERT INTO profile_cache (cache_key, normalized_url, platform, raw_data, cached_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (cache_key) DO UPDATE SET
			raw_data=EXCLUDED.raw_data, cached_at=EXCLUDED.cached_at, expires_at=EXCLUDED.expires_at`
	for _, e := range entries {
		raw, err := json.Marshal(e.RawData)
		if err != nil {
			return fmt.Errorf("op=cache.put: %w", err)
		}
		if _, err := r.Pool.Exec(ctx, q, e.CacheKey, e.NormalizedURL, e.Platform, raw, e.CachedAt, e.ExpiresAt); err != nil {
			return fmt.Errorf("op=cache.put: %w", err)
		}
	}
	return nil
}
