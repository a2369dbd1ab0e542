package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/fairyhunter13/creator-discovery/internal/adapter/observability"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// costPerUnitUSD prices one enrichment api call and one scored profile.
const costPerUnitUSD = 0.0015

func scoredItems(scored []domain.ScoredProfile) []map[string]any {
	items := make([]map[string]any, 0, len(scored))
	for _, s := range scored {
		posts := make([]map[string]any, 0, len(s.PostsData))
		for _, p := range s.PostsData {
			posts = append(posts, map[string]any{
				"caption":   p.Caption,
				"posted_at": p.PostedAt,
				"likes":     p.Likes,
				"comments":  p.Comments,
			})
		}
		items = append(items, map[string]any{
			"platform":      string(s.Platform),
			"account_id":    s.AccountID,
			"display_name":  s.DisplayName,
			"followers":     s.Followers,
			"biography":     s.Biography,
			"profile_url":   s.ProfileURL,
			"location":      s.Location,
			"posts_data":    posts,
			"fit_score":     s.FitScore,
			"fit_rationale": s.FitRationale,
			"fit_summary":   s.FitSummary,
		})
	}
	return items
}

// mergeScored reads every batch artifact and returns the union of their
// profiles sorted by fit descending. Merging from persisted artifacts
// keeps the result deterministic across redeliveries.
func (r *run) mergeScored(ctx context.Context) ([]map[string]any, error) {
	kinds, err := r.e.deps.Artifacts.ListBatchKinds(ctx, r.jobID)
	if err != nil {
		return nil, err
	}
	var all []map[string]any
	for _, kind := range kinds {
		a, err := r.e.deps.Artifacts.Get(ctx, r.jobID, kind)
		if err != nil {
			return nil, err
		}
		profiles, _ := a.Data["profiles"].([]any)
		for _, p := range profiles {
			if m, ok := p.(map[string]any); ok {
				all = append(all, m)
			}
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return fitOf(all[i]) > fitOf(all[j]) })
	return all, nil
}

func fitOf(m map[string]any) float64 {
	switch v := m["fit_score"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// updateProgressive rebuilds the current best-N ranking from all batch
// artifacts written so far.
func (r *run) updateProgressive(ctx context.Context, complete bool) error {
	all, err := r.mergeScored(ctx)
	if err != nil {
		return err
	}
	top := all
	if len(top) > r.params.LLMTopN {
		top = top[:r.params.LLMTopN]
	}
	return r.e.deps.Artifacts.Upsert(ctx, r.jobID, domain.ArtifactProgressive, map[string]any{
		"profiles":    top,
		"count":       len(top),
		"is_complete": complete,
	})
}

func (r *run) pipelineStats() map[string]any {
	enrichCost := float64(r.apiCalls) * costPerUnitUSD
	scoringCost := float64(r.profilesAnalyzed) * costPerUnitUSD
	return map[string]any{
		"total_batches":      r.totalBatches,
		"batches_completed":  r.batchesCompleted,
		"batches_failed":     r.batchesFailed,
		"cache_hits":         r.cacheHits,
		"candidates_skipped": r.candidatesSkipped,
		"api_calls":          r.apiCalls,
		"profiles_analyzed":  r.profilesAnalyzed,
		"good_found":         r.goodFound,
		"cost_estimates":     map[string]any{
			"enrichment_usd": enrichCost,
			"scoring_usd":    scoringCost,
			"total_usd":      enrichCost + scoringCost,
		},
	}
}

// finishCompleted publishes final, remaining, progressive(complete) and
// timing artifacts, records ledger entries and closes the job.
func (e *Engine) finishCompleted(ctx context.Context, r *run) error {
	all, err := r.mergeScored(ctx)
	if err != nil {
		return err
	}
	topN := r.params.LLMTopN
	if topN > len(all) {
		topN = len(all)
	}
	final := all[:topN]
	remaining := all[topN:]

	if err := e.deps.Artifacts.Upsert(ctx, r.jobID, domain.ArtifactFinal, map[string]any{
		"profiles":       final,
		"count":          len(final),
		"pipeline_stats": r.pipelineStats(),
	}); err != nil {
		return err
	}
	if err := e.deps.Artifacts.Upsert(ctx, r.jobID, domain.ArtifactRemaining, map[string]any{
		"profiles": remaining,
		"count":    len(remaining),
	}); err != nil {
		return err
	}
	if err := r.updateProgressive(ctx, true); err != nil {
		return err
	}
	return e.finish(ctx, r, domain.JobCompleted, nil)
}

func (e *Engine) finishCancelled(ctx context.Context, r *run) error {
	return e.finish(ctx, r, domain.JobCancelled, nil)
}

func (e *Engine) finishError(ctx context.Context, r *run, execErr error) error {
	jobErr := &domain.JobError{Stage: failingStage(execErr), Message: execErr.Error()}
	// If the terminal write itself fails, the returned error triggers
	// queue redelivery and the whole run is retried.
	return e.finish(ctx, r, domain.JobFailed, jobErr)
}

// finish records the waterfall, writes the terminal status once and
// emits the summary event and ledger entries.
func (e *Engine) finish(ctx context.Context, r *run, status domain.JobStatus, jobErr *domain.JobError) error {
	r.tl.closeAll()
	if err := e.deps.Artifacts.Upsert(ctx, r.jobID, domain.ArtifactTiming, r.tl.artifact()); err != nil {
		slog.Warn("timing artifact upsert failed", slog.String("job_id", r.jobID), slog.Any("error", err))
	}

	if err := e.deps.Jobs.Finish(ctx, r.jobID, status, jobErr); err != nil {
		return err
	}
	observability.JobsFinishedTotal.WithLabelValues(string(status)).Inc()

	summary := map[string]any{
		"status": string(status),
		"stats":  r.pipelineStats(),
	}
	if jobErr != nil {
		summary["error"] = map[string]any{"stage": string(jobErr.Stage), "message": jobErr.Message}
	}
	_, _ = e.deps.Events.Append(ctx, r.jobID, domain.EventInfo, "pipeline_summary", summary)

	e.recordLedger(ctx, r)
	slog.Info("pipeline run finished",
		slog.String("job_id", r.jobID), slog.String("status", string(status)),
		slog.Int("batches_completed", r.batchesCompleted), slog.Int("good_found", r.goodFound))
	return nil
}

func (e *Engine) recordLedger(ctx context.Context, r *run) {
	now := time.Now().UTC()
	entries := []domain.ExternalCall{
		{
			JobID:     r.jobID,
			APIKeyID:  r.apiKeyID,
			Service:   "embeddings",
			Operation: "keyword_embed",
			TS:        now,
			Status:    "completed",
			Meta:      map[string]any{"texts": r.embedTexts},
		},
		{
			JobID:     r.jobID,
			APIKeyID:  r.apiKeyID,
			Service:   "vector_index",
			Operation: "hybrid_search",
			TS:        now,
			Status:    "completed",
			Meta:      map[string]any{"searches": r.vectorSearches},
		},
		{
			JobID:     r.jobID,
			APIKeyID:  r.apiKeyID,
			Service:   "enrichment",
			Operation: "batch_fetch",
			TS:        now,
			Status:    "completed",
			CostUSD:   float64(r.apiCalls) * costPerUnitUSD,
			Meta: map[string]any{
				"api_calls":      r.apiCalls,
				"batches_failed": r.batchesFailed,
				"cache_hits":     r.cacheHits,
			},
		},
		{
			JobID:     r.jobID,
			APIKeyID:  r.apiKeyID,
			Service:   "scoring",
			Operation: "profile_scoring",
			TS:        now,
			Status:    "completed",
			CostUSD:   float64(r.profilesAnalyzed) * costPerUnitUSD,
			Meta: map[string]any{
				"profiles_analyzed": r.profilesAnalyzed,
				"good_found":        r.goodFound,
			},
		},
	}
	for _, c := range entries {
		if err := e.deps.Calls.Record(ctx, c); err != nil {
			slog.Warn("external call ledger write failed",
				slog.String("job_id", r.jobID), slog.String("service", c.Service), slog.Any("error", err))
		}
	}
}
