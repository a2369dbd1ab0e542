package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// JobRepo persists and loads pipeline jobs using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `job_id, api_key_id, status, params, meta, progress, current_stage,
	error, cancel_requested, created_at, started_at, finished_at`

// Create inserts a new pending job and returns its id.
func (r *JobRepo) Create(ctx context.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	meta := j.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaB, _ := json.Marshal(meta)
	q := `INSERT INTO pipeline_jobs
		(job_id, api_key_id, status, params, meta, progress, current_stage, cancel_requested, created_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,false,$7)`
	if _, err := r.Pool.Exec(ctx, q, id, j.APIKeyID, j.Status, params, metaB, domain.StageNone, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var params, meta []byte
	var jobErr []byte
	if err := row.Scan(&j.ID, &j.APIKeyID, &j.Status, &params, &meta, &j.Progress,
		&j.CurrentStage, &jobErr, &j.CancelRequested, &j.CreatedAt, &j.StartedAt, &j.FinishedAt); err != nil {
		return domain.Job{}, err
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &j.Params)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &j.Meta)
	}
	if len(jobErr) > 0 {
		var e domain.JobError
		if err := json.Unmarshal(jobErr, &e); err == nil && e.Message != "" {
			j.Error = &e
		}
	}
	return j, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE job_id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// ListByKey returns the newest jobs owned by a principal, newest first.
func (r *JobRepo) ListByKey(ctx context.Context, apiKeyID string, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByKey")
	defer span.End()
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE api_key_id=$1 ORDER BY created_at DESC LIMIT $2`,
		apiKeyID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountActive counts a principal's jobs in pending or running state.
func (r *JobRepo) CountActive(ctx context.Context, apiKeyID string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountActive")
	defer span.End()
	var n int
	err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pipeline_jobs WHERE api_key_id=$1 AND status IN ($2,$3)`,
		apiKeyID, domain.JobPending, domain.JobRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=job.count_active: %w", err)
	}
	return n, nil
}

// MarkRunning transitions pending→running and stamps started_at. Safe
// against queue redelivery: a job already running or terminal is left
// untouched.
func (r *JobRepo) MarkRunning(ctx context.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRunning")
	defer span.End()
	q := `UPDATE pipeline_jobs SET status=$2, started_at=COALESCE(started_at,$3)
		WHERE job_id=$1 AND status=$4`
	if _, err := r.Pool.Exec(ctx, q, id, domain.JobRunning, time.Now().UTC(), domain.JobPending); err != nil {
		return fmt.Errorf("op=job.mark_running: %w", err)
	}
	return nil
}

// UpdateProgress raises progress and records the current stage. Progress
// never decreases; the GREATEST guard keeps redeliveries idempotent.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, progress int, stage domain.Stage) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	q := `UPDATE pipeline_jobs SET progress=GREATEST(progress,$2), current_stage=$3
		WHERE job_id=$1 AND status NOT IN ($4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, id, progress, stage,
		domain.JobCompleted, domain.JobFailed, domain.JobCancelled)
	if err != nil {
		return fmt.Errorf("op=job.update_progress: %w", err)
	}
	return nil
}

// UpdateMeta merges per-stage counters into the job meta map.
func (r *JobRepo) UpdateMeta(ctx context.Context, id string, meta map[string]any) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateMeta")
	defer span.End()
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("op=job.update_meta: %w", err)
	}
	q := `UPDATE pipeline_jobs SET meta = COALESCE(meta,'{}'::jsonb) || $2::jsonb WHERE job_id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, b); err != nil {
		return fmt.Errorf("op=job.update_meta: %w", err)
	}
	return nil
}

// RequestCancel sets the soft cancel flag. Terminal jobs are not
// cancellable and surface ErrConflict.
func (r *JobRepo) RequestCancel(ctx context.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequestCancel")
	defer span.End()
	tag, err := r.Pool.Exec(ctx,
		`UPDATE pipeline_jobs SET cancel_requested=true WHERE job_id=$1 AND status IN ($2,$3)`,
		id, domain.JobPending, domain.JobRunning)
	if err != nil {
		return fmt.Errorf("op=job.request_cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.request_cancel: job not cancellable: %w", domain.ErrConflict)
	}
	return nil
}

// Finish writes the terminal status exactly once. Progress jumps to 100
// on entry into any terminal state; a second call is a no-op.
func (r *JobRepo) Finish(ctx context.Context, id string, status domain.JobStatus, jobErr *domain.JobError) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Finish")
	defer span.End()
	if !status.Terminal() {
		return fmt.Errorf("op=job.finish: %q is not terminal: %w", status, domain.ErrInvalidArgument)
	}
	var errB []byte
	if jobErr != nil {
		errB, _ = json.Marshal(jobErr)
	}
	q := `UPDATE pipeline_jobs SET status=$2, error=$3, progress=100, finished_at=$4
		WHERE job_id=$1 AND status NOT IN ($5,$6,$7)`
	if _, err := r.Pool.Exec(ctx, q, id, status, errB, time.Now().UTC(),
		domain.JobCompleted, domain.JobFailed, domain.JobCancelled); err != nil {
		return fmt.Errorf("op=job.finish: %w", err)
	}
	return nil
}
