package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// ArtifactRepo upserts and loads per-job artifact blobs keyed by
// (job_id, kind).
type ArtifactRepo struct{ Pool PgxPool }

// NewArtifactRepo constructs an ArtifactRepo with the given pool.
func NewArtifactRepo(p PgxPool) *ArtifactRepo { return &ArtifactRepo{Pool: p} }

// Upsert writes an artifact idempotently; updated_at is non-decreasing.
func (r *ArtifactRepo) Upsert(ctx context.Context, jobID, kind string, data map[string]any) error {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Upsert")
	defer span.End()
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("op=artifact.upsert: %w", err)
	}
	q := `INSERT INTO pipeline_job_artifacts (job_id, kind, data, updated_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (job_id, kind) DO UPDATE SET data=EXCLUDED.data, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, jobID, kind, b, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=artifact.upsert: %w", err)
	}
	return nil
}

// Get loads a single artifact.
func (r *ArtifactRepo) Get(ctx context.Context, jobID, kind string) (domain.Artifact, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Get")
	defer span.End()
	q := `SELECT job_id, kind, data, updated_at FROM pipeline_job_artifacts WHERE job_id=$1 AND kind=$2`
	row := r.Pool.QueryRow(ctx, q, jobID, kind)
	var a domain.Artifact
	var data []byte
	if err := row.Scan(&a.JobID, &a.Kind, &data, &a.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Artifact{}, fmt.Errorf("op=artifact.get: %w", domain.ErrNotFound)
		}
		return domain.Artifact{}, fmt.Errorf("op=artifact.get: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &a.Data)
	}
	return a, nil
}

// ListBatchKinds returns the batch:N kinds stored for a job, in batch
// index order so merges stay deterministic.
func (r *ArtifactRepo) ListBatchKinds(ctx context.Context, jobID string) ([]string, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.ListBatchKinds")
	defer span.End()
	q := `SELECT kind FROM pipeline_job_artifacts WHERE job_id=$1 AND kind LIKE 'batch:%'
		ORDER BY split_part(kind, ':', 2)::int ASC`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=artifact.list_batches: %w", err)
	}
	defer rows.Close()
	var kinds []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("op=artifact.list_batches: %w", err)
		}
		kinds = append(kinds, k)
	}
	return kinds, rows.Err()
}
