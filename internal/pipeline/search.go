package pipeline

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
	"github.com/fairyhunter13/creator-discovery/pkg/urlx"
)

// Hybrid mix weights issued per keyword: one lexical-leaning and one
// vector-leaning pass over the index.
var searchAlphas = []float64{0.25, 0.75}

// vectorSearch runs stage 2: embed the deduplicated keywords once, fan
// out keyword x alpha hybrid searches under a concurrency bound, then
// merge, dedupe by normalized profile URL and trim to weaviate_top_n.
func (r *run) vectorSearch(ctx context.Context, keywords []string) ([]domain.Candidate, error) {
	_, _ = r.e.deps.Events.Append(ctx, r.jobID, domain.EventInfo, "stage_started",
		map[string]any{"stage": string(domain.StageVectorSearch)})

	keywords = dedupeKeywords(keywords)
	if err := r.checkCancel(ctx); err != nil {
		return nil, err
	}

	vectors, err := r.e.deps.Embedder.Embed(ctx, keywords)
	if err != nil {
		r.stageMeta(ctx, domain.StageVectorSearch, map[string]any{"status": "error", "error": err.Error()})
		return nil, err
	}
	r.embedTexts += len(keywords)
	if err := r.e.deps.Jobs.UpdateProgress(ctx, r.jobID, 20, domain.StageVectorSearch); err != nil {
		return nil, err
	}

	limit := perSearchLimit(r.params.WeaviateTopN, len(keywords))
	fetchLimit := limit
	if len(r.params.ExcludeProfileURLs) > 0 {
		fetchLimit = limit + len(r.params.ExcludeProfileURLs)
	}
	filters := domain.SearchFilters{
		Platform:     r.params.Platform,
		MinFollowers: r.params.MinFollowers,
		MaxFollowers: r.params.MaxFollowers,
	}

	var (
		mu  sync.Mutex
		all []domain.Candidate
	)
	sem := semaphore.NewWeighted(maxVectorSearches)
	g, gctx := errgroup.WithContext(ctx)
	for i, kw := range keywords {
		for _, alpha := range searchAlphas {
			kw, vec, alpha := kw, vectors[i], alpha
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				hits, err := r.e.deps.Index.Hybrid(gctx, kw, vec, alpha, fetchLimit, filters)
				if err != nil {
					return err
				}
				hits = filterExclusions(hits, r.params.ExcludeProfileURLs)
				if len(hits) > limit {
					hits = hits[:limit]
				}
				mu.Lock()
				all = append(all, hits...)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		r.stageMeta(ctx, domain.StageVectorSearch, map[string]any{"status": "error", "error": err.Error()})
		return nil, err
	}

	r.vectorSearches += len(keywords) * len(searchAlphas)
	merged := dedupeByURL(all)
	if len(merged) > r.params.WeaviateTopN {
		merged = merged[:r.params.WeaviateTopN]
	}

	if err := r.publishCandidates(ctx, merged); err != nil {
		return nil, err
	}
	r.stageMeta(ctx, domain.StageVectorSearch, map[string]any{
		"status":          "completed",
		"keyword_count":   len(keywords),
		"search_count":    len(keywords) * len(searchAlphas),
		"candidate_count": len(merged),
	})
	if err := r.e.deps.Jobs.UpdateProgress(ctx, r.jobID, 50, domain.StageVectorSearch); err != nil {
		return nil, err
	}
	_, _ = r.e.deps.Events.Append(ctx, r.jobID, domain.EventInfo, "stage_completed", map[string]any{
		"stage":      string(domain.StageVectorSearch),
		"candidates": len(merged),
	})
	return merged, nil
}

func (r *run) publishCandidates(ctx context.Context, cands []domain.Candidate) error {
	items := make([]map[string]any, 0, len(cands))
	for _, c := range cands {
		items = append(items, map[string]any{
			"id":           c.ID,
			"score":        c.Score,
			"distance":     c.Distance,
			"profile_url":  c.ProfileURL,
			"platform":     c.Platform,
			"display_name": c.DisplayName,
			"biography":    c.Biography,
			"followers":    c.Followers,
		})
	}
	return r.e.deps.Artifacts.Upsert(ctx, r.jobID, domain.ArtifactCandidates, map[string]any{
		"candidates": items,
		"count":      len(items),
	})
}

// perSearchLimit spreads the requested pool across keyword searches with
// 25% headroom, never below 500 per search.
func perSearchLimit(weaviateTopN, keywordCount int) int {
	if keywordCount < 1 {
		keywordCount = 1
	}
	spread := int(math.Ceil(float64(weaviateTopN) * 1.25 / float64(keywordCount)))
	if spread < 500 {
		return 500
	}
	return spread
}

func dedupeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(k))
	}
	return out
}

// filterExclusions drops hits whose normalized URL matches an exclusion,
// case-insensitively.
func filterExclusions(hits []domain.Candidate, exclusions []string) []domain.Candidate {
	if len(exclusions) == 0 {
		return hits
	}
	excluded := make(map[string]struct{}, len(exclusions))
	for _, e := range exclusions {
		excluded[urlx.Normalize(e)] = struct{}{}
	}
	out := hits[:0]
	for _, h := range hits {
		if _, ok := excluded[urlx.Normalize(h.ProfileURL)]; ok {
			continue
		}
		out = append(out, h)
	}
	return out
}

// dedupeByURL keeps the highest-scoring entry per normalized profile URL
// and returns the survivors sorted by score descending.
func dedupeByURL(hits []domain.Candidate) []domain.Candidate {
	best := make(map[string]domain.Candidate, len(hits))
	for _, h := range hits {
		key := urlx.Normalize(h.ProfileURL)
		if cur, ok := best[key]; !ok || h.Score > cur.Score {
			best[key] = h
		}
	}
	out := make([]domain.Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
