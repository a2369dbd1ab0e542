// Package pipeline implements the execution engine: a four-stage state
// machine (query expansion, vector search, enrichment, scoring) driven
// off the work queue, with cache-first bounded fan-out and adaptive
// early termination.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/creator-discovery/internal/adapter/observability"
	"github.com/fairyhunter13/creator-discovery/internal/config"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// Fan-out and timing parameters.
const (
	batchSize          = 20
	maxInFlightBatches = 5
	maxScoringCalls    = 100
	maxVectorSearches  = 24

	defaultPollInterval = 10 * time.Second
	sleepSlice          = 500 * time.Millisecond
	batchLifetime       = 300 * time.Second
	stageTimeout        = 3600 * time.Second
)

// Deps bundles the engine's collaborators.
type Deps struct {
	Jobs      domain.JobRepository
	Events    domain.EventRepository
	Artifacts domain.ArtifactRepository
	Calls     domain.ExternalCallRepository
	Cache     domain.ProfileCacheRepository
	Embedder  domain.Embedder
	Scorer    domain.ScoringClient
	Index     domain.VectorIndex
	Enricher  domain.Enricher
}

// Engine executes discovery jobs. Safe for concurrent Run calls; the
// scoring semaphore is shared process-wide.
type Engine struct {
	cfg  config.Config
	deps Deps

	scoreSem *semaphore.Weighted

	// Overridable in tests to avoid wall-clock waits.
	pollInterval   time.Duration
	batchLifetime  time.Duration
	stageTimeout   time.Duration
	scoreRetryBase time.Duration
}

// NewEngine constructs an engine with production timing parameters.
func NewEngine(cfg config.Config, deps Deps) *Engine {
	return &Engine{
		cfg:            cfg,
		deps:           deps,
		scoreSem:       semaphore.NewWeighted(maxScoringCalls),
		pollInterval:   defaultPollInterval,
		batchLifetime:  batchLifetime,
		stageTimeout:   stageTimeout,
		scoreRetryBase: time.Second,
	}
}

// run carries per-execution state so the Engine itself stays stateless
// across jobs.
type run struct {
	e        *Engine
	jobID    string
	apiKeyID string
	params   domain.JobParams
	tl       *timeline

	embedTexts        int
	vectorSearches    int
	candidatesSkipped int
	totalBatches      int
	batchesCompleted  int
	batchesFailed     int
	cacheHits         int
	apiCalls          int
	profilesAnalyzed  int
	goodFound         int
	targetGood        int
}

// Run executes one job end to end. Returns nil on completed and
// cancelled terminals; an error return makes the queue redeliver.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	tracer := otel.Tracer("pipeline.engine")
	ctx, span := tracer.Start(ctx, "Engine.Run")
	defer span.End()

	job, err := e.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.CancelRequested {
		return e.finishCancelled(ctx, &run{e: e, jobID: jobID, apiKeyID: job.APIKeyID, tl: newTimeline()})
	}
	if err := e.deps.Jobs.MarkRunning(ctx, jobID); err != nil {
		return err
	}
	observability.JobsRunning.Inc()
	defer observability.JobsRunning.Dec()

	r := &run{
		e:          e,
		jobID:      jobID,
		apiKeyID:   job.APIKeyID,
		params:     job.Params,
		tl:         newTimeline(),
		targetGood: job.Params.LLMTopN,
	}
	slog.Info("pipeline run starting",
		slog.String("job_id", jobID),
		slog.Int("top_n", job.Params.TopN),
		slog.Int("weaviate_top_n", job.Params.WeaviateTopN),
		slog.Int("llm_top_n", job.Params.LLMTopN))

	execErr := r.execute(ctx)
	switch {
	case execErr == nil:
		return e.finishCompleted(ctx, r)
	case errors.Is(execErr, domain.ErrCancelled):
		return e.finishCancelled(ctx, r)
	default:
		return e.finishError(ctx, r, execErr)
	}
}

func (r *run) execute(ctx context.Context) error {
	r.tl.start(string(domain.StageQueryExpansion))
	keywords, err := r.expandQueries(ctx)
	r.tl.end(string(domain.StageQueryExpansion))
	if err != nil {
		return stageErr(domain.StageQueryExpansion, err)
	}

	if err := r.checkCancel(ctx); err != nil {
		return err
	}

	r.tl.start(string(domain.StageVectorSearch))
	candidates, err := r.vectorSearch(ctx, keywords)
	r.tl.end(string(domain.StageVectorSearch))
	if err != nil {
		return stageErr(domain.StageVectorSearch, err)
	}

	if err := r.checkCancel(ctx); err != nil {
		return err
	}

	r.tl.start(string(domain.StageEnrichment))
	err = r.enrichAndScore(ctx, candidates)
	r.tl.end(string(domain.StageEnrichment))
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			return err
		}
		return stageErr(domain.StageEnrichment, err)
	}
	return nil
}

// checkCancel re-reads the job row. Used before every outbound call,
// before each ready batch, and inside sleeps.
func (r *run) checkCancel(ctx context.Context) error {
	job, err := r.e.deps.Jobs.Get(ctx, r.jobID)
	if err != nil {
		return err
	}
	if job.CancelRequested || job.Status == domain.JobCancelled {
		return domain.ErrCancelled
	}
	return nil
}

// sleepResponsive sleeps d in slices of at most 500ms, checking for
// cancellation between slices so a cancel never waits out a full poll.
func (r *run) sleepResponsive(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		slice := remaining
		if slice > sleepSlice {
			slice = sleepSlice
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(slice):
		}
		if err := r.checkCancel(ctx); err != nil {
			return err
		}
	}
}

func stageErr(stage domain.Stage, err error) error {
	return fmt.Errorf("stage %s: %w", stage, err)
}

// failingStage extracts the stage tag from a stageErr-wrapped error for
// the terminal error object.
func failingStage(err error) domain.Stage {
	if err == nil {
		return domain.StageNone
	}
	msg := err.Error()
	for _, s := range []domain.Stage{domain.StageQueryExpansion, domain.StageVectorSearch, domain.StageEnrichment, domain.StageScoring} {
		if strings.HasPrefix(msg, "stage "+string(s)+":") {
			return s
		}
	}
	return domain.StageNone
}
