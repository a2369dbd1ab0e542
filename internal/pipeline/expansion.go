package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

const expansionSystemPrompt = `You are a search strategist for a creator discovery engine.
Given a business description, produce keyword search queries that together cover the topic:
broad category terms, specific niche terms, and adjacent-audience terms.
Respond with ONLY valid compact JSON of the shape {"queries": ["...", "..."]}.
Return between 3 and 8 queries. No markdown, no code fences, no commentary.`

// expandQueries runs stage 1: the scoring model turns the business
// description into an ordered list of keyword queries.
func (r *run) expandQueries(ctx context.Context) ([]string, error) {
	if err := r.checkCancel(ctx); err != nil {
		return nil, err
	}
	_, _ = r.e.deps.Events.Append(ctx, r.jobID, domain.EventInfo, "stage_started",
		map[string]any{"stage": string(domain.StageQueryExpansion)})

	userPrompt := "Business description:\n" + r.params.BusinessDescription
	out, err := r.e.deps.Scorer.ChatJSON(ctx, expansionSystemPrompt, userPrompt, 512)
	if err != nil {
		r.stageMeta(ctx, domain.StageQueryExpansion, map[string]any{
			"status": "error", "error": err.Error(),
		})
		return nil, err
	}

	keywords, err := parseQueries(out)
	if err != nil {
		r.stageMeta(ctx, domain.StageQueryExpansion, map[string]any{
			"status": "error", "error": err.Error(),
		})
		return nil, err
	}

	r.stageMeta(ctx, domain.StageQueryExpansion, map[string]any{
		"status":      "completed",
		"query_count": len(keywords),
		"prompt":      r.params.BusinessDescription,
	})
	if err := r.e.deps.Jobs.UpdateProgress(ctx, r.jobID, 10, domain.StageQueryExpansion); err != nil {
		return nil, err
	}
	_, _ = r.e.deps.Events.Append(ctx, r.jobID, domain.EventInfo, "stage_completed", map[string]any{
		"stage":    string(domain.StageQueryExpansion),
		"keywords": keywords,
	})
	slog.Info("query expansion completed",
		slog.String("job_id", r.jobID), slog.Int("keywords", len(keywords)))
	return keywords, nil
}

// parseQueries tolerates code fences around the JSON but nothing else.
func parseQueries(raw string) ([]string, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var out struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("%w: query expansion output: %v", domain.ErrSchemaInvalid, err)
	}
	queries := make([]string, 0, len(out.Queries))
	for _, q := range out.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("%w: query expansion returned no queries", domain.ErrSchemaInvalid)
	}
	return queries, nil
}

// stageMeta merges per-stage counters into the job meta map.
func (r *run) stageMeta(ctx context.Context, stage domain.Stage, data map[string]any) {
	meta := map[string]any{"stage_" + string(stage): data}
	if err := r.e.deps.Jobs.UpdateMeta(ctx, r.jobID, meta); err != nil {
		slog.Warn("stage meta update failed",
			slog.String("job_id", r.jobID), slog.String("stage", string(stage)), slog.Any("error", err))
	}
}
