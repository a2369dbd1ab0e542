package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// KeyRepo loads and seeds API keys. Keys are matched by the sha256 hash
// of the raw credential; the raw key is never stored.
type KeyRepo struct{ Pool PgxPool }

// NewKeyRepo constructs a KeyRepo with the given pool.
func NewKeyRepo(p PgxPool) *KeyRepo { return &KeyRepo{Pool: p} }

// FindByHash loads a non-revoked key by its hash.
func (r *KeyRepo) FindByHash(ctx context.Context, keyHash string) (domain.APIKey, error) {
	tracer := otel.Tracer("repo.api_keys")
	ctx, span := tracer.Start(ctx, "api_keys.FindByHash")
	defer span.End()
	q := `SELECT id, name, key_hash, rate_rps, burst, active_cap, monthly_quota, created_at, revoked_at
		FROM api_keys WHERE key_hash=$1 AND revoked_at IS NULL`
	row := r.Pool.QueryRow(ctx, q, keyHash)
	var k domain.APIKey
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.RatePerSec, &k.Burst, &k.ActiveCap,
		&k.MonthlyQuota, &k.CreatedAt, &k.RevokedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.APIKey{}, fmt.Errorf("op=apikey.find: %w", domain.ErrUnauthorized)
		}
		return domain.APIKey{}, fmt.Errorf("op=apikey.find: %w", err)
	}
	return k, nil
}

// Upsert inserts or updates a key by hash; used by the seed file loader.
func (r *KeyRepo) Upsert(ctx context.Context, k domain.APIKey) error {
	tracer := otel.Tracer("repo.api_keys")
	ctx, span := tracer.Start(ctx, "api_keys.Upsert")
	defer span.End()
	id := k.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO api_keys (id, name, key_hash, rate_rps, burst, active_cap, monthly_quota, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (key_hash) DO UPDATE SET
			name=EXCLUDED.name, rate_rps=EXCLUDED.rate_rps, burst=EXCLUDED.burst,
			active_cap=EXCLUDED.active_cap, monthly_quota=EXCLUDED.monthly_quota`
	if _, err := r.Pool.Exec(ctx, q, id, k.Name, k.KeyHash, k.RatePerSec, k.Burst,
		k.ActiveCap, k.MonthlyQuota, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=apikey.upsert: %w", err)
	}
	return nil
}
