package asynqadp

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
	"github.com/fairyhunter13/creator-discovery/internal/observability"
)

// Runner executes one discovery job end to end. Implemented by the
// pipeline engine.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Worker consumes pipeline:run tasks. Redelivered tasks for jobs that
// already reached a terminal state are acked without re-running.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker wires the asynq server and the run handler. Retries back off
// exponentially from a 5s base.
func NewWorker(redisAddr, redisPassword string, concurrency int, jobs domain.JobRepository, runner Runner) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr, Password: redisPassword},
		asynq.Config{
			Concurrency: concurrency,
			RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
				return time.Duration(float64(5*time.Second) * math.Pow(2, float64(n)))
			},
			Logger: asynqLogger{},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskPipelineRun, func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, "PipelineRun")
		defer span.End()

		var p domain.RunTaskPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			slog.Error("run task payload unmarshal failed", slog.Any("error", err))
			return nil // malformed payload cannot succeed on retry
		}
		ctx = observability.ContextWithRequestID(ctx, p.RequestID)

		job, err := jobs.Get(ctx, p.JobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			slog.Info("skipping redelivered task for terminal job",
				slog.String("job_id", p.JobID), slog.String("status", string(job.Status)))
			return nil
		}
		return runner.Run(ctx, p.JobID)
	})
	return &Worker{server: srv, mux: mux}
}

// Start begins consuming tasks. Non-blocking.
func (w *Worker) Start() error { return w.server.Start(w.mux) }

// Stop drains in-flight tasks and shuts the server down.
func (w *Worker) Stop() { w.server.Shutdown() }

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { slog.Debug("asynq", slog.Any("args", args)) }
func (asynqLogger) Info(args ...interface{})  { slog.Info("asynq", slog.Any("args", args)) }
func (asynqLogger) Warn(args ...interface{})  { slog.Warn("asynq", slog.Any("args", args)) }
func (asynqLogger) Error(args ...interface{}) { slog.Error("asynq", slog.Any("args", args)) }
func (asynqLogger) Fatal(args ...interface{}) { slog.Error("asynq fatal", slog.Any("args", args)) }
