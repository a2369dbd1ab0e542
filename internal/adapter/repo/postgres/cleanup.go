package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// CleanupService deletes terminal jobs past retention and expired
// profile-cache rows. Artifacts and events cascade via foreign keys.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a cleanup service with the given retention.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM pipeline_jobs WHERE finished_at IS NOT NULL AND finished_at < $1 AND status IN ($2,$3,$4)`,
		cutoff, domain.JobCompleted, domain.JobFailed, domain.JobCancelled)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}
	deletedJobs := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `DELETE FROM profile_cache WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=cleanup.cache: %w", err)
	}
	deletedCache := tag.RowsAffected()

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_cache_rows", deletedCache),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs cleanup immediately and then on the given interval
// until the context is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
