// Command worker runs the pipeline execution engine, consuming
// discovery jobs from the Redis-backed queue.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/creator-discovery/internal/adapter/ai/embedding"
	"github.com/fairyhunter13/creator-discovery/internal/adapter/ai/scoring"
	"github.com/fairyhunter13/creator-discovery/internal/adapter/enrichment/brightdata"
	"github.com/fairyhunter13/creator-discovery/internal/adapter/observability"
	asynqadp "github.com/fairyhunter13/creator-discovery/internal/adapter/queue/asynq"
	"github.com/fairyhunter13/creator-discovery/internal/adapter/repo/postgres"
	weaviatecli "github.com/fairyhunter13/creator-discovery/internal/adapter/vector/weaviate"
	"github.com/fairyhunter13/creator-discovery/internal/config"
	"github.com/fairyhunter13/creator-discovery/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)
	artifactRepo := postgres.NewArtifactRepo(pool)
	callRepo := postgres.NewCallRepo(pool)
	cacheRepo := postgres.NewCacheRepo(pool)

	engine := pipeline.NewEngine(cfg, pipeline.Deps{
		Jobs:      jobRepo,
		Events:    eventRepo,
		Artifacts: artifactRepo,
		Calls:     callRepo,
		Cache:     cacheRepo,
		Embedder:  embedding.New(cfg),
		Scorer:    scoring.New(cfg),
		Index:     weaviatecli.New(cfg.WeaviateURL, cfg.WeaviateAPIKey, cfg.WeaviateCollection, cfg.WeaviateTimeout),
		Enricher:  brightdata.New(cfg),
	})

	cleanup := postgres.NewCleanupService(pool, cfg.JobRetentionDays)
	go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)

	worker := asynqadp.NewWorker(cfg.RedisAddr, cfg.RedisPassword, cfg.WorkerConcurrency, jobRepo, engine)

	errCh := make(chan error, 1)
	go func() { errCh <- worker.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("worker error", slog.Any("error", err))
		}
	}
	worker.Stop()
	slog.Info("worker stopped")
}
