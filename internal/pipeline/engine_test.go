package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/creator-discovery/internal/config"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
	"github.com/fairyhunter13/creator-discovery/pkg/urlx"
)

type testRig struct {
	engine    *Engine
	jobs      *memJobs
	events    *memEvents
	artifacts *memArtifacts
	calls     *memCalls
	cache     *memCache
	index     *fakeIndex
	scorer    *fakeScorer
	enricher  *fakeEnricher
}

func newTestRig(t *testing.T, cands []domain.Candidate) *testRig {
	t.Helper()
	rig := &testRig{
		jobs:      newMemJobs(),
		events:    newMemEvents(),
		artifacts: newMemArtifacts(),
		calls:     newMemCalls(),
		cache:     newMemCache(),
		index:     &fakeIndex{candidates: cands},
		scorer:    &fakeScorer{score: 10},
	}
	rig.enricher = newFakeEnricher(func(urls []string) []map[string]any {
		rows := make([]map[string]any, 0, len(urls))
		for _, u := range urls {
			rows = append(rows, rawProfileRow(u, time.Now().Add(-24*time.Hour)))
		}
		return rows
	})
	rig.engine = NewEngine(config.Config{CacheTTLDays: 14}, Deps{
		Jobs:      rig.jobs,
		Events:    rig.events,
		Artifacts: rig.artifacts,
		Calls:     rig.calls,
		Cache:     rig.cache,
		Embedder:  fakeEmbedder{},
		Scorer:    rig.scorer,
		Index:     rig.index,
		Enricher:  rig.enricher,
	})
	rig.engine.pollInterval = 5 * time.Millisecond
	rig.engine.batchLifetime = time.Second
	rig.engine.stageTimeout = 30 * time.Second
	rig.engine.scoreRetryBase = time.Millisecond
	return rig
}

func (rig *testRig) submit(t *testing.T, params domain.JobParams) string {
	t.Helper()
	id := fmt.Sprintf("job-%d", time.Now().UnixNano())
	rig.jobs.put(domain.Job{
		ID:        id,
		APIKeyID:  "key-1",
		Status:    domain.JobPending,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	})
	return id
}

func rawProfileRow(url string, lastPost time.Time) map[string]any {
	return map[string]any{
		"url":          url,
		"account":      url,
		"profile_name": "Creator " + url,
		"followers":    float64(15000),
		"biography":    "austin coffee lifestyle content",
		"posts": []any{
			map[string]any{
				"caption":  "morning brew",
				"datetime": lastPost.UTC().Format(time.RFC3339),
				"likes":    float64(120),
				"comments": float64(9),
			},
		},
	}
}

func igCandidates(n int) []domain.Candidate {
	cands := make([]domain.Candidate, 0, n)
	for i := 0; i < n; i++ {
		cands = append(cands, domain.Candidate{
			ID:          fmt.Sprintf("uuid-%d", i),
			Score:       1 - float64(i)/100,
			ProfileURL:  fmt.Sprintf("instagram.com/creator%d", i),
			Platform:    "instagram",
			DisplayName: fmt.Sprintf("Creator %d", i),
			Followers:   10000,
		})
	}
	return cands
}

func TestRun_HappyCachedPath(t *testing.T) {
	rig := newTestRig(t, igCandidates(20))
	for _, c := range igCandidates(20) {
		_ = rig.cache.Put(context.Background(), []domain.CacheEntry{{
			CacheKey:      urlx.CacheKey(c.ProfileURL),
			NormalizedURL: urlx.Normalize(c.ProfileURL),
			Platform:      domain.PlatformInstagram,
			RawData:       rawProfileRow(c.ProfileURL, time.Now().Add(-3*24*time.Hour)),
			CachedAt:      time.Now(),
			ExpiresAt:     time.Now().Add(24 * time.Hour),
		}})
	}

	jobID := rig.submit(t, domain.JobParams{
		BusinessDescription: "austin coffee lifestyle creators",
		TopN:                5,
		WeaviateTopN:        50,
		LLMTopN:             5,
	})
	require.NoError(t, rig.engine.Run(context.Background(), jobID))

	job, err := rig.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)

	assert.Zero(t, rig.enricher.triggers, "cache satisfied the target; no trigger calls expected")

	final, err := rig.artifacts.Get(context.Background(), jobID, domain.ArtifactFinal)
	require.NoError(t, err)
	profiles := final.Data["profiles"].([]any)
	assert.Len(t, profiles, 5)
	stats := final.Data["pipeline_stats"].(map[string]any)
	assert.EqualValues(t, 0, stats["api_calls"])
	assert.EqualValues(t, 20, stats["cache_hits"])

	prog, err := rig.artifacts.Get(context.Background(), jobID, domain.ArtifactProgressive)
	require.NoError(t, err)
	assert.Equal(t, true, prog.Data["is_complete"])

	types := rig.events.typesFor(jobID)
	assert.Contains(t, types, "pipeline_summary")
	assert.Contains(t, types, "enrichment_skipped")
}

func TestRun_FetchPhaseAndWriteBack(t *testing.T) {
	rig := newTestRig(t, igCandidates(30))
	// Low scores keep the adaptive stop from firing; every batch fetches.
	rig.scorer.score = 5

	jobID := rig.submit(t, domain.JobParams{
		BusinessDescription: "nyc streetwear",
		TopN:                10,
		WeaviateTopN:        50,
		LLMTopN:             10,
	})
	require.NoError(t, rig.engine.Run(context.Background(), jobID))

	job, _ := rig.jobs.Get(context.Background(), jobID)
	assert.Equal(t, domain.JobCompleted, job.Status)

	// 30 uncached candidates chunk into 2 batches of 20 and 10.
	assert.Equal(t, 2, rig.enricher.triggers)
	assert.LessOrEqual(t, rig.enricher.maxActive, maxInFlightBatches)

	final, err := rig.artifacts.Get(context.Background(), jobID, domain.ArtifactFinal)
	require.NoError(t, err)
	stats := final.Data["pipeline_stats"].(map[string]any)
	assert.EqualValues(t, 30, stats["api_calls"])
	assert.EqualValues(t, 30, stats["profiles_analyzed"])

	// Fetched payloads land in the cache for subsequent runs.
	require.Eventually(t, func() bool {
		hits, err := rig.cache.BulkGet(context.Background(),
			[]string{urlx.CacheKey("instagram.com/creator0")})
		return err == nil && len(hits) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRun_AdaptiveStopSkipsRemainingTriggers(t *testing.T) {
	// 200 candidates = 10 fetch batches. A perfect first batch should
	// satisfy target_good=5 and stop further triggers well before all
	// ten are issued.
	rig := newTestRig(t, igCandidates(200))
	rig.engine.pollInterval = time.Millisecond

	jobID := rig.submit(t, domain.JobParams{
		BusinessDescription: "austin coffee",
		TopN:                5,
		WeaviateTopN:        200,
		LLMTopN:             5,
	})
	require.NoError(t, rig.engine.Run(context.Background(), jobID))

	job, _ := rig.jobs.Get(context.Background(), jobID)
	assert.Equal(t, domain.JobCompleted, job.Status)
	// The in-flight cap allows up to 5 triggers before the first batch
	// lands; the point is that not every planned batch was triggered
	// after the target was met, and none beyond the cap.
	assert.LessOrEqual(t, rig.enricher.triggers, maxInFlightBatches)
	assert.LessOrEqual(t, rig.enricher.maxActive, maxInFlightBatches)
}

func TestRun_CancellationMidEnrichment(t *testing.T) {
	rig := newTestRig(t, igCandidates(40))
	rig.scorer.score = 3
	// Snapshots stay running long enough for the cancel to land first.
	rig.enricher.readyAfter = 1000

	jobID := rig.submit(t, domain.JobParams{
		BusinessDescription: "nyc streetwear men",
		TopN:                10,
		WeaviateTopN:        50,
		LLMTopN:             10,
	})
	rig.enricher.onTrigger = func() {
		go func() { _ = rig.jobs.RequestCancel(context.Background(), jobID) }()
	}

	done := make(chan error, 1)
	go func() { done <- rig.engine.Run(context.Background(), jobID) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not observe cancellation in time")
	}

	job, _ := rig.jobs.Get(context.Background(), jobID)
	assert.Equal(t, domain.JobCancelled, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Contains(t, rig.events.typesFor(jobID), "pipeline_summary")
}

func TestRun_EnrichmentFailureRecordsStageError(t *testing.T) {
	rig := newTestRig(t, igCandidates(10))
	rig.engine.deps.Enricher = brokenEnricher{}

	jobID := rig.submit(t, domain.JobParams{
		BusinessDescription: "austin coffee",
		TopN:                5,
		WeaviateTopN:        50,
		LLMTopN:             5,
	})
	require.NoError(t, rig.engine.Run(context.Background(), jobID))

	job, err := rig.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, domain.StageEnrichment, job.Error.Stage)

	meta, ok := job.Meta["stage_"+string(domain.StageEnrichment)].(map[string]any)
	require.True(t, ok, "stage meta must carry the enrichment failure")
	assert.Equal(t, "error", meta["status"])
	assert.NotEmpty(t, meta["error"])
}

type brokenEnricher struct{}

func (brokenEnricher) Trigger(context.Context, domain.Platform, []string) (string, error) {
	return "", fmt.Errorf("provider unreachable")
}

func (brokenEnricher) Progress(context.Context, string) (domain.SnapshotStatus, error) {
	return domain.SnapshotFailed, nil
}

func (brokenEnricher) Download(context.Context, string) ([]map[string]any, error) {
	return nil, fmt.Errorf("provider unreachable")
}

func TestBuildPlan_UnknownPlatformCandidatesCounted(t *testing.T) {
	rig := newTestRig(t, nil)
	jobID := rig.submit(t, domain.JobParams{BusinessDescription: "x", TopN: 5, WeaviateTopN: 50, LLMTopN: 5})
	r := &run{e: rig.engine, jobID: jobID}

	cands := append(igCandidates(2), domain.Candidate{
		ProfileURL: "example.com/mystery", Platform: "unknown",
	})
	plan, err := r.buildPlan(context.Background(), cands)
	require.NoError(t, err)

	require.Len(t, plan.FetchBatches, 1)
	assert.Len(t, plan.FetchBatches[0].URLs, 2, "unknown-platform candidate is not fetchable")
	assert.Equal(t, 1, r.candidatesSkipped)
	assert.Contains(t, rig.events.typesFor(jobID), "candidates_skipped")
}

func TestRun_TerminalJobIsSkipped(t *testing.T) {
	rig := newTestRig(t, nil)
	jobID := rig.submit(t, domain.JobParams{BusinessDescription: "x", TopN: 5, WeaviateTopN: 50, LLMTopN: 5})
	require.NoError(t, rig.jobs.Finish(context.Background(), jobID, domain.JobCompleted, nil))

	require.NoError(t, rig.engine.Run(context.Background(), jobID))
	assert.Zero(t, rig.index.searches)
	assert.Zero(t, rig.enricher.triggers)
}

func TestRun_EmptyCandidatePoolCompletesEmpty(t *testing.T) {
	rig := newTestRig(t, nil)
	jobID := rig.submit(t, domain.JobParams{
		BusinessDescription: "extremely obscure niche",
		TopN:                5,
		WeaviateTopN:        50,
		LLMTopN:             5,
	})
	require.NoError(t, rig.engine.Run(context.Background(), jobID))

	job, _ := rig.jobs.Get(context.Background(), jobID)
	assert.Equal(t, domain.JobCompleted, job.Status)
	final, err := rig.artifacts.Get(context.Background(), jobID, domain.ArtifactFinal)
	require.NoError(t, err)
	assert.Empty(t, final.Data["profiles"])
}

func TestScoreProfile_InactiveShortCircuit(t *testing.T) {
	rig := newTestRig(t, nil)
	r := &run{e: rig.engine, jobID: "job-x", params: domain.JobParams{BusinessDescription: "coffee"}}

	stale := normalizeProfile(rawProfileRow("instagram.com/old", time.Now().Add(-120*24*time.Hour)),
		domain.PlatformInstagram, time.Now().UTC())
	scored := r.scoreProfile(context.Background(), stale, time.Now().UTC())

	assert.Equal(t, 0, scored.FitScore)
	assert.Equal(t, inactiveRationale, scored.FitRationale)
	assert.Contains(t, scored.FitSummary, "no posts within the last 60 days")
	assert.Zero(t, rig.scorer.scoreReqs, "inactive profiles never reach the scoring model")
}

func TestScoreProfile_RetryExhaustionScoresZero(t *testing.T) {
	rig := newTestRig(t, nil)
	failing := &failingScorer{}
	rig.engine.deps.Scorer = failing
	r := &run{e: rig.engine, jobID: "job-x", params: domain.JobParams{BusinessDescription: "coffee"}}

	active := normalizeProfile(rawProfileRow("instagram.com/alice", time.Now().Add(-time.Hour)),
		domain.PlatformInstagram, time.Now().UTC())
	scored := r.scoreProfile(context.Background(), active, time.Now().UTC())

	assert.Equal(t, 0, scored.FitScore)
	assert.Contains(t, scored.FitRationale, "scoring unavailable")
	assert.Equal(t, 3, failing.calls, "one attempt plus two retries")
}

type failingScorer struct{ calls int }

func (f *failingScorer) ChatJSON(context.Context, string, string, int) (string, error) {
	f.calls++
	return "", fmt.Errorf("upstream exploded")
}

func TestPerSearchLimit(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 500, perSearchLimit(100, 4))
	assert.Equal(t, 500, perSearchLimit(1000, 5))
	assert.Equal(t, 625, perSearchLimit(5000, 10))
	assert.Equal(t, 6250, perSearchLimit(5000, 1))
	assert.Equal(t, 6250, perSearchLimit(5000, 0))
}

func TestDedupeByURL(t *testing.T) {
	t.Parallel()
	out := dedupeByURL([]domain.Candidate{
		{ProfileURL: "https://www.instagram.com/alice/", Score: 0.5},
		{ProfileURL: "instagram.com/alice", Score: 0.9},
		{ProfileURL: "instagram.com/bob", Score: 0.7},
	})
	require.Len(t, out, 2)
	assert.Equal(t, 0.9, out[0].Score)
	assert.Equal(t, "instagram.com/bob", out[1].ProfileURL)
}

func TestFilterExclusions(t *testing.T) {
	t.Parallel()
	out := filterExclusions([]domain.Candidate{
		{ProfileURL: "instagram.com/alice"},
		{ProfileURL: "instagram.com/bob"},
	}, []string{"HTTPS://WWW.INSTAGRAM.COM/ALICE/"})
	require.Len(t, out, 1)
	assert.Equal(t, "instagram.com/bob", out[0].ProfileURL)
}

func TestRelativeTime(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	assert.Equal(t, "today", relativeTime(now.Add(-2*time.Hour), now))
	assert.Equal(t, "yesterday", relativeTime(now.Add(-30*time.Hour), now))
	assert.Equal(t, "3 days ago", relativeTime(now.Add(-3*24*time.Hour), now))
	assert.Equal(t, "4 months ago", relativeTime(now.Add(-120*24*time.Hour), now))
}

func TestNormalizeProfilesTruncatesPosts(t *testing.T) {
	t.Parallel()
	posts := make([]any, 0, 12)
	for i := 0; i < 12; i++ {
		posts = append(posts, map[string]any{
			"caption":  fmt.Sprintf("post %d", i),
			"datetime": time.Now().Add(-time.Duration(i) * 24 * time.Hour).Format(time.RFC3339),
		})
	}
	rows := []map[string]any{{
		"url":       "instagram.com/alice",
		"account":   "alice",
		"followers": float64(100),
		"posts":     posts,
	}}
	profiles := normalizeProfiles(rows, domain.PlatformInstagram)
	require.Len(t, profiles, 1)
	assert.Len(t, profiles[0].PostsData, maxPostsPerProfile)
	assert.Equal(t, "post 0", profiles[0].PostsData[0].Caption, "newest post first")
}
