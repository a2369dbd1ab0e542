// Command server starts the creator discovery admission API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/creator-discovery/internal/adapter/httpserver"
	"github.com/fairyhunter13/creator-discovery/internal/adapter/ai/embedding"
	"github.com/fairyhunter13/creator-discovery/internal/adapter/observability"
	asynqadp "github.com/fairyhunter13/creator-discovery/internal/adapter/queue/asynq"
	"github.com/fairyhunter13/creator-discovery/internal/adapter/repo/postgres"
	weaviatecli "github.com/fairyhunter13/creator-discovery/internal/adapter/vector/weaviate"
	"github.com/fairyhunter13/creator-discovery/internal/app"
	"github.com/fairyhunter13/creator-discovery/internal/config"
	"github.com/fairyhunter13/creator-discovery/internal/service/idempotency"
	"github.com/fairyhunter13/creator-discovery/internal/service/ratelimiter"
	"github.com/fairyhunter13/creator-discovery/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)
	artifactRepo := postgres.NewArtifactRepo(pool)
	keyRepo := postgres.NewKeyRepo(pool)

	if cfg.APIKeySeedFile != "" {
		if err := seedAPIKeys(ctx, keyRepo, cfg.APIKeySeedFile); err != nil {
			slog.Error("api key seed failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Redis-backed admission primitives.
	limiter := ratelimiter.NewRedisLuaLimiter(rdb)
	idemStore := idempotency.NewRedisStore(rdb)

	// Queue producer.
	queue := asynqadp.New(cfg.RedisAddr, cfg.RedisPassword)
	defer queue.Close()

	// Direct-search collaborators.
	embedder := embedding.New(cfg)
	index := weaviatecli.New(cfg.WeaviateURL, cfg.WeaviateAPIKey, cfg.WeaviateCollection, cfg.WeaviateTimeout)

	// Usecases
	submitSvc := usecase.NewSubmitService(cfg, jobRepo, eventRepo, queue, limiter, idemStore)
	jobsSvc := usecase.NewJobsService(jobRepo, eventRepo, artifactRepo)
	searchSvc := usecase.NewSearchService(embedder, index, limiter)

	dbCheck, redisCheck, weaviateCheck := app.BuildReadinessChecks(pool, rdb, index)
	srv := httpserver.NewServer(cfg, submitSvc, jobsSvc, searchSvc, dbCheck, redisCheck, weaviateCheck)
	handler := app.BuildRouter(cfg, srv, keyRepo)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
