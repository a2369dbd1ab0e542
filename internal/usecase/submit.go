// Package usecase wires domain operations between the HTTP adapters and
// the repositories. Services hold no per-request state.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/fairyhunter13/creator-discovery/internal/config"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
	"github.com/fairyhunter13/creator-discovery/internal/service/idempotency"
	"github.com/fairyhunter13/creator-discovery/internal/service/ratelimiter"
)

// SubmitInput is the raw admission request after auth.
type SubmitInput struct {
	BusinessDescription    string
	TopN                   int
	WeaviateTopN           int
	LLMTopN                int
	MinFollowers           int
	MaxFollowers           int
	Platform               string
	ExcludeProfileURLs     []string
	StrictLocationMatching bool
	IdempotencyKey         string
	RequestID              string
}

// SubmitResult carries the accepted job id plus the rate-limit decision
// for response headers.
type SubmitResult struct {
	JobID    string
	Replayed bool
	Decision ratelimiter.Decision
}

// SubmitService validates, admits and enqueues discovery jobs.
type SubmitService struct {
	cfg     config.Config
	jobs    domain.JobRepository
	events  domain.EventRepository
	queue   domain.Queue
	limiter ratelimiter.Limiter
	idem    idempotency.Store
}

// NewSubmitService constructs the admission usecase.
func NewSubmitService(cfg config.Config, jobs domain.JobRepository, events domain.EventRepository, queue domain.Queue, limiter ratelimiter.Limiter, idem idempotency.Store) SubmitService {
	return SubmitService{cfg: cfg, jobs: jobs, events: events, queue: queue, limiter: limiter, idem: idem}
}

// Submit runs the admission sequence: validate, active-cap check,
// idempotency replay, rate limit, create, enqueue, remember.
func (s SubmitService) Submit(ctx context.Context, key domain.APIKey, in SubmitInput) (SubmitResult, error) {
	params, err := validateAndDefault(in)
	if err != nil {
		return SubmitResult{}, err
	}

	activeCap := key.ActiveCap
	if activeCap <= 0 {
		activeCap = s.cfg.MaxActiveJobsPerKey
	}
	active, err := s.jobs.CountActive(ctx, key.ID)
	if err != nil {
		return SubmitResult{}, err
	}
	if active >= activeCap {
		return SubmitResult{}, fmt.Errorf("%w: %d active jobs (cap %d)", domain.ErrTooManyJobs, active, activeCap)
	}

	if in.IdempotencyKey != "" {
		if jobID, found, err := s.idem.Lookup(ctx, key.ID, in.IdempotencyKey); err == nil && found {
			slog.Info("idempotent replay", slog.String("job_id", jobID), slog.String("api_key_id", key.ID))
			return SubmitResult{JobID: jobID, Replayed: true}, nil
		}
	}

	decision, err := s.limiter.Allow(ctx, key.ID, "submit", key.RatePerSec, key.Burst)
	if err != nil {
		slog.Warn("rate limiter unavailable, admitting", slog.Any("error", err))
	}
	if !decision.Allowed {
		return SubmitResult{Decision: decision}, fmt.Errorf("%w: submit bucket empty", domain.ErrRateLimited)
	}

	job := domain.Job{
		ID:       uuid.New().String(),
		APIKeyID: key.ID,
		Status:   domain.JobPending,
		Params:   params,
	}
	jobID, err := s.jobs.Create(ctx, job)
	if err != nil {
		return SubmitResult{Decision: decision}, err
	}

	_, _ = s.events.Append(ctx, jobID, domain.EventInfo, "job_submitted", map[string]any{
		"top_n":          params.TopN,
		"weaviate_top_n": params.WeaviateTopN,
		"llm_top_n":      params.LLMTopN,
		"platform":       params.Platform,
	})

	if _, err := s.queue.EnqueueRun(ctx, domain.RunTaskPayload{
		JobID:     jobID,
		APIKeyID:  key.ID,
		RequestID: in.RequestID,
	}); err != nil {
		return SubmitResult{Decision: decision}, fmt.Errorf("op=submit.enqueue: %w", err)
	}

	// Remembered only after a successful enqueue. A failed enqueue must
	// not make retries replay a job that never reached the queue; the
	// task-id dedupe keeps a second enqueue of the same job harmless.
	if in.IdempotencyKey != "" {
		if err := s.idem.Remember(ctx, key.ID, in.IdempotencyKey, jobID); err != nil {
			slog.Warn("idempotency record failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	return SubmitResult{JobID: jobID, Decision: decision}, nil
}

func validateAndDefault(in SubmitInput) (domain.JobParams, error) {
	desc := strings.TrimSpace(in.BusinessDescription)
	if desc == "" {
		return domain.JobParams{}, fmt.Errorf("%w: business_description is required", domain.ErrInvalidArgument)
	}
	if len(in.IdempotencyKey) > 128 {
		return domain.JobParams{}, fmt.Errorf("%w: idempotency key exceeds 128 chars", domain.ErrInvalidArgument)
	}

	topN := in.TopN
	if topN == 0 {
		topN = 30
	}
	if topN < 1 || topN > 1000 {
		return domain.JobParams{}, fmt.Errorf("%w: top_n must be in [1,1000]", domain.ErrInvalidArgument)
	}

	weaviateTopN := in.WeaviateTopN
	if weaviateTopN == 0 {
		weaviateTopN = topN * 10
		if weaviateTopN < 10 {
			weaviateTopN = 10
		}
		if weaviateTopN > 5000 {
			weaviateTopN = 5000
		}
	}
	if weaviateTopN < 10 || weaviateTopN > 5000 {
		return domain.JobParams{}, fmt.Errorf("%w: weaviate_top_n must be in [10,5000]", domain.ErrInvalidArgument)
	}

	llmTopN := in.LLMTopN
	if llmTopN == 0 {
		llmTopN = topN
	}
	if llmTopN < 1 || llmTopN > 1000 {
		return domain.JobParams{}, fmt.Errorf("%w: llm_top_n must be in [1,1000]", domain.ErrInvalidArgument)
	}
	if llmTopN > weaviateTopN {
		return domain.JobParams{}, fmt.Errorf("%w: llm_top_n cannot exceed weaviate_top_n", domain.ErrInvalidArgument)
	}

	if in.MinFollowers < 0 || in.MaxFollowers < 0 {
		return domain.JobParams{}, fmt.Errorf("%w: follower bounds cannot be negative", domain.ErrInvalidArgument)
	}
	if in.MinFollowers > 0 && in.MaxFollowers > 0 && in.MinFollowers > in.MaxFollowers {
		return domain.JobParams{}, fmt.Errorf("%w: min_followers exceeds max_followers", domain.ErrInvalidArgument)
	}

	platform := strings.ToLower(strings.TrimSpace(in.Platform))
	switch platform {
	case "", "instagram", "tiktok":
	default:
		return domain.JobParams{}, fmt.Errorf("%w: platform must be instagram or tiktok", domain.ErrInvalidArgument)
	}

	return domain.JobParams{
		BusinessDescription:    desc,
		TopN:                   topN,
		WeaviateTopN:           weaviateTopN,
		LLMTopN:                llmTopN,
		MinFollowers:           in.MinFollowers,
		MaxFollowers:           in.MaxFollowers,
		Platform:               platform,
		ExcludeProfileURLs:     in.ExcludeProfileURLs,
		StrictLocationMatching: in.StrictLocationMatching,
	}, nil
}
