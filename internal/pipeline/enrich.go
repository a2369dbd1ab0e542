package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/creator-discovery/internal/adapter/observability"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
	"github.com/fairyhunter13/creator-discovery/pkg/urlx"
)

// enrichAndScore runs the interleaved stage 3/4: cache-first batches,
// then a bounded fan-out to the enrichment provider, scoring each batch
// as it lands and stopping early once enough good fits are found. A
// fatal failure lands in the stage meta like the earlier stages do.
func (r *run) enrichAndScore(ctx context.Context, cands []domain.Candidate) error {
	err := r.runEnrichment(ctx, cands)
	if err != nil && !errors.Is(err, domain.ErrCancelled) {
		r.stageMeta(ctx, domain.StageEnrichment, map[string]any{
			"status": "error", "error": err.Error(),
		})
	}
	return err
}

func (r *run) runEnrichment(ctx context.Context, cands []domain.Candidate) error {
	_, _ = r.e.deps.Events.Append(ctx, r.jobID, domain.EventInfo, "stage_started",
		map[string]any{"stage": string(domain.StageEnrichment)})

	// An empty candidate pool finalizes as completed with an empty final
	// artifact rather than an error.
	if len(cands) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.e.stageTimeout)
	defer cancel()

	plan, err := r.buildPlan(ctx, cands)
	if err != nil {
		return err
	}

	// Phase A: cache batches, strictly sequential.
	for _, b := range plan.CacheBatches {
		if err := r.processBatch(ctx, b, b.Entries); err != nil {
			return err
		}
		if r.goodFound >= r.targetGood {
			slog.Info("good-fit target met from cache, skipping enrichment fetch",
				slog.String("job_id", r.jobID), slog.Int("good_found", r.goodFound))
			_, _ = r.e.deps.Events.Append(ctx, r.jobID, domain.EventInfo, "enrichment_skipped",
				map[string]any{"reason": "target met from cache", "good_found": r.goodFound})
			return r.requireUsableBatches()
		}
	}

	if len(plan.FetchBatches) == 0 {
		return r.requireUsableBatches()
	}
	if err := r.fetchPhase(ctx, plan.FetchBatches); err != nil {
		return err
	}
	return r.requireUsableBatches()
}

// inflightSnap tracks one triggered provider snapshot.
type inflightSnap struct {
	batch       batch
	snapshotID  string
	triggeredAt time.Time
}

// fetchPhase drives the bounded fan-out: at most 5 snapshots in flight,
// topped up before downloads so trigger and download latency overlap,
// ready snapshots processed strictly sequentially.
func (r *run) fetchPhase(ctx context.Context, pending []batch) error {
	inFlight := make(map[string]*inflightSnap, maxInFlightBatches)
	stopTopUp := false

	for len(pending) > 0 || len(inFlight) > 0 {
		if err := r.checkCancel(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: enrichment stage deadline", domain.ErrUpstreamTimeout)
		}
		if r.goodFound >= r.targetGood && !stopTopUp {
			stopTopUp = true
			pending = nil
		}

		pending = r.topUp(ctx, pending, inFlight, stopTopUp)

		ready, err := r.pollInFlight(ctx, inFlight)
		if err != nil {
			return err
		}

		// Top up freed slots before downloading so the next triggers run
		// while downloads stream.
		pending = r.topUp(ctx, pending, inFlight, stopTopUp)

		for _, snap := range ready {
			if err := r.checkCancel(ctx); err != nil {
				return err
			}
			rows, err := r.e.deps.Enricher.Download(ctx, snap.snapshotID)
			if err != nil {
				slog.Warn("snapshot download failed",
					slog.String("job_id", r.jobID), slog.String("snapshot_id", snap.snapshotID), slog.Any("error", err))
				r.failBatch(ctx, snap.batch, "download failed: "+err.Error())
				continue
			}
			if err := r.processBatch(ctx, snap.batch, rows); err != nil {
				return err
			}
			if r.goodFound >= r.targetGood && !stopTopUp {
				stopTopUp = true
				pending = nil
			}
		}

		if len(pending) > 0 || len(inFlight) > 0 {
			if err := r.sleepResponsive(ctx, r.e.pollInterval); err != nil {
				return err
			}
		}
	}
	return nil
}

// topUp triggers pending batches until the in-flight cap is reached.
// Failed triggers count the batch as failed and move on.
func (r *run) topUp(ctx context.Context, pending []batch, inFlight map[string]*inflightSnap, stop bool) []batch {
	if stop {
		return nil
	}
	for len(inFlight) < maxInFlightBatches && len(pending) > 0 {
		b := pending[0]
		pending = pending[1:]
		snapID, err := r.e.deps.Enricher.Trigger(ctx, b.Platform, b.URLs)
		if err != nil {
			slog.Warn("enrichment trigger failed",
				slog.String("job_id", r.jobID), slog.Int("batch", b.Index), slog.Any("error", err))
			r.failBatch(ctx, b, "trigger failed: "+err.Error())
			continue
		}
		inFlight[snapID] = &inflightSnap{batch: b, snapshotID: snapID, triggeredAt: time.Now()}
		_, _ = r.e.deps.Events.Append(ctx, r.jobID, domain.EventDebug, "batch_triggered", map[string]any{
			"batch":       b.Index,
			"platform":    string(b.Platform),
			"snapshot_id": snapID,
			"url_count":   len(b.URLs),
		})
	}
	return pending
}

// pollInFlight checks every in-flight snapshot in parallel and returns
// the ready ones, removing them from the map. Failed and aged-out
// snapshots are dropped and counted.
func (r *run) pollInFlight(ctx context.Context, inFlight map[string]*inflightSnap) ([]*inflightSnap, error) {
	if len(inFlight) == 0 {
		return nil, nil
	}
	var mu sync.Mutex
	statuses := make(map[string]domain.SnapshotStatus, len(inFlight))
	g, gctx := errgroup.WithContext(ctx)
	for id := range inFlight {
		id := id
		g.Go(func() error {
			st, err := r.e.deps.Enricher.Progress(gctx, id)
			if err != nil {
				// Treat a progress failure as still-running; the age
				// check bounds how long we keep asking.
				slog.Warn("snapshot progress check failed",
					slog.String("job_id", r.jobID), slog.String("snapshot_id", id), slog.Any("error", err))
				st = domain.SnapshotRunning
			}
			mu.Lock()
			statuses[id] = st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var ready []*inflightSnap
	for id, snap := range inFlight {
		switch statuses[id] {
		case domain.SnapshotReady:
			ready = append(ready, snap)
			delete(inFlight, id)
		case domain.SnapshotFailed:
			r.failBatch(ctx, snap.batch, "snapshot failed")
			delete(inFlight, id)
		default:
			if time.Since(snap.triggeredAt) >= r.e.batchLifetime {
				r.failBatch(ctx, snap.batch, "snapshot timed out")
				delete(inFlight, id)
			}
		}
	}
	return ready, nil
}

func (r *run) failBatch(ctx context.Context, b batch, reason string) {
	r.batchesFailed++
	observability.BatchesProcessedTotal.WithLabelValues("failed").Inc()
	_, _ = r.e.deps.Events.Append(ctx, r.jobID, domain.EventWarn, "batch_failed", map[string]any{
		"batch":    b.Index,
		"platform": string(b.Platform),
		"reason":   reason,
	})
}

// processBatch is the shared routine for cache batches and downloaded
// snapshots: normalize, score, publish batch and progressive artifacts,
// update counters, write fetched payloads back to the cache.
func (r *run) processBatch(ctx context.Context, b batch, rows []map[string]any) error {
	if err := r.checkCancel(ctx); err != nil {
		return err
	}
	if !b.Cached {
		// Cost accounting counts profiles returned by the provider.
		r.apiCalls += len(rows)
	}

	profiles := normalizeProfiles(rows, b.Platform)
	scored := r.scoreBatch(ctx, profiles)
	r.profilesAnalyzed += len(scored)

	if err := r.e.deps.Artifacts.Upsert(ctx, r.jobID, domain.BatchArtifactKind(b.Index), map[string]any{
		"batch":    b.Index,
		"platform": string(b.Platform),
		"profiles": scoredItems(scored),
		"count":    len(scored),
	}); err != nil {
		return err
	}
	r.batchesCompleted++
	observability.BatchesProcessedTotal.WithLabelValues("completed").Inc()

	if err := r.updateProgressive(ctx, false); err != nil {
		return err
	}

	goodInBatch := 0
	for _, s := range scored {
		if s.FitScore >= domain.GoodFitThreshold {
			goodInBatch++
		}
	}
	r.goodFound += goodInBatch

	r.updateEnrichProgress(ctx)
	_, _ = r.e.deps.Events.Append(ctx, r.jobID, domain.EventInfo, "batch_completed", map[string]any{
		"batch":      b.Index,
		"cached":     b.Cached,
		"profiles":   len(scored),
		"good_found": r.goodFound,
	})

	if !b.Cached {
		go r.writeBackCache(b.Platform, rows)
	}
	return nil
}

// writeBackCache stores fetched raw payloads with the configured TTL.
// Best-effort: failures are logged, never fatal.
func (r *run) writeBackCache(platform domain.Platform, rows []map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	now := time.Now().UTC()
	entries := make([]domain.CacheEntry, 0, len(rows))
	for _, row := range rows {
		rawURL := ""
		if v, ok := row["url"].(string); ok {
			rawURL = v
		} else if v, ok := row["profile_url"].(string); ok {
			rawURL = v
		}
		if rawURL == "" {
			continue
		}
		norm := urlx.Normalize(rawURL)
		entries = append(entries, domain.CacheEntry{
			CacheKey:      urlx.CacheKey(rawURL),
			NormalizedURL: norm,
			Platform:      platform,
			RawData:       row,
			CachedAt:      now,
			ExpiresAt:     now.Add(r.e.cfg.CacheTTL()),
		})
	}
	if len(entries) == 0 {
		return
	}
	if err := r.e.deps.Cache.Put(ctx, entries); err != nil {
		slog.Warn("profile cache write-back failed",
			slog.String("job_id", r.jobID), slog.Int("entries", len(entries)), slog.Any("error", err))
	}
}

// updateEnrichProgress maps batch completion onto the 50..95 band; the
// final 100 is reserved for terminal transitions.
func (r *run) updateEnrichProgress(ctx context.Context) {
	if r.totalBatches == 0 {
		return
	}
	done := r.batchesCompleted + r.batchesFailed
	progress := 50 + (45*done)/r.totalBatches
	if progress > 95 {
		progress = 95
	}
	if err := r.e.deps.Jobs.UpdateProgress(ctx, r.jobID, progress, domain.StageEnrichment); err != nil {
		slog.Warn("progress update failed", slog.String("job_id", r.jobID), slog.Any("error", err))
	}
}

// requireUsableBatches fails the run only when every planned batch
// failed to produce data.
func (r *run) requireUsableBatches() error {
	if r.totalBatches > 0 && r.batchesCompleted == 0 {
		return errors.New("no enrichment batch yielded usable data")
	}
	return nil
}
