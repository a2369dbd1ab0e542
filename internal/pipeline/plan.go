package pipeline

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
	"github.com/fairyhunter13/creator-discovery/pkg/urlx"
)

// batch is one enrichment + scoring unit. Indices are assigned at plan
// construction and preserved in artifact keys so merges stay
// deterministic regardless of completion order.
type batch struct {
	Index    int
	Platform domain.Platform
	URLs     []string
	// Cached batches carry the raw payloads straight from the profile
	// cache; fetch batches get theirs from a provider snapshot.
	Cached  bool
	Entries []map[string]any
}

// enrichmentPlan splits candidates into cache-hit batches and fetch
// batches, built up front so total_batches is stable for progress
// reporting.
type enrichmentPlan struct {
	CacheBatches []batch
	FetchBatches []batch
}

func (p enrichmentPlan) total() int { return len(p.CacheBatches) + len(p.FetchBatches) }

// buildPlan bulk-looks-up the profile cache, classifies every candidate
// URL as cache-hit or uncached, groups by platform and chunks into
// batches of 20.
func (r *run) buildPlan(ctx context.Context, cands []domain.Candidate) (enrichmentPlan, error) {
	keys := make([]string, 0, len(cands))
	keyToURL := make(map[string]string, len(cands))
	for _, c := range cands {
		k := urlx.CacheKey(c.ProfileURL)
		keys = append(keys, k)
		keyToURL[k] = c.ProfileURL
	}

	hits, err := r.e.deps.Cache.BulkGet(ctx, keys)
	if err != nil {
		// A cache outage degrades to fetching everything.
		slog.Warn("profile cache lookup failed, treating all candidates as uncached",
			slog.String("job_id", r.jobID), slog.Any("error", err))
		hits = nil
	}

	cachedByPlatform := map[domain.Platform][]map[string]any{}
	uncachedByPlatform := map[domain.Platform][]string{}
	for _, c := range cands {
		platform := domain.PlatformFromURL(c.ProfileURL)
		if entry, ok := hits[urlx.CacheKey(c.ProfileURL)]; ok {
			cachedByPlatform[platform] = append(cachedByPlatform[platform], entry.RawData)
		} else {
			uncachedByPlatform[platform] = append(uncachedByPlatform[platform], c.ProfileURL)
		}
	}

	var plan enrichmentPlan
	index := 0
	for _, platform := range []domain.Platform{domain.PlatformInstagram, domain.PlatformTikTok, domain.PlatformUnknown} {
		rows := cachedByPlatform[platform]
		for start := 0; start < len(rows); start += batchSize {
			end := min(start+batchSize, len(rows))
			plan.CacheBatches = append(plan.CacheBatches, batch{
				Index:    index,
				Platform: platform,
				Cached:   true,
				Entries:  rows[start:end],
			})
			index++
		}
	}
	for _, platform := range []domain.Platform{domain.PlatformInstagram, domain.PlatformTikTok} {
		urls := uncachedByPlatform[platform]
		for start := 0; start < len(urls); start += batchSize {
			end := min(start+batchSize, len(urls))
			plan.FetchBatches = append(plan.FetchBatches, batch{
				Index:    index,
				Platform: platform,
				URLs:     urls[start:end],
			})
			index++
		}
	}

	// Uncached candidates without a recognized platform have no dataset
	// to trigger against and cannot be fetched.
	if skipped := uncachedByPlatform[domain.PlatformUnknown]; len(skipped) > 0 {
		slog.Warn("skipping candidates with unrecognized platform",
			slog.String("job_id", r.jobID), slog.Int("count", len(skipped)))
		_, _ = r.e.deps.Events.Append(ctx, r.jobID, domain.EventWarn, "candidates_skipped", map[string]any{
			"reason": "unrecognized platform",
			"count":  len(skipped),
		})
		r.candidatesSkipped = len(skipped)
	}

	r.cacheHits = 0
	for _, rows := range cachedByPlatform {
		r.cacheHits += len(rows)
	}
	r.totalBatches = plan.total()
	r.stageMeta(ctx, domain.StageEnrichment, map[string]any{
		"status":             "running",
		"total_batches":      plan.total(),
		"cache_batches":      len(plan.CacheBatches),
		"fetch_batches":      len(plan.FetchBatches),
		"cache_hits":         r.cacheHits,
		"candidates_skipped": r.candidatesSkipped,
	})
	return plan, nil
}
