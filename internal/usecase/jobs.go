package usecase

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// Artifact kinds clients may fetch directly. batch:N and final are
// reached through their own endpoints.
var fetchableKinds = map[string]struct{}{
	domain.ArtifactCandidates:  {},
	domain.ArtifactProgressive: {},
	domain.ArtifactRemaining:   {},
	domain.ArtifactTiming:      {},
}

// JobsService serves job projections, artifacts, events and
// cancellation. Every lookup enforces ownership: a mismatch is
// indistinguishable from not-found.
type JobsService struct {
	jobs      domain.JobRepository
	events    domain.EventRepository
	artifacts domain.ArtifactRepository
}

// NewJobsService constructs the job query usecase.
func NewJobsService(jobs domain.JobRepository, events domain.EventRepository, artifacts domain.ArtifactRepository) JobsService {
	return JobsService{jobs: jobs, events: events, artifacts: artifacts}
}

// Get returns the job owned by the key, or ErrNotFound.
func (s JobsService) Get(ctx context.Context, key domain.APIKey, jobID string) (domain.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.APIKeyID != key.ID {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	return job, nil
}

// List returns the key's most recent jobs.
func (s JobsService) List(ctx context.Context, key domain.APIKey, limit int) ([]domain.Job, error) {
	return s.jobs.ListByKey(ctx, key.ID, limit)
}

// Results returns the final artifact of a completed job; a job in any
// other state yields ErrConflict.
func (s JobsService) Results(ctx context.Context, key domain.APIKey, jobID string) (map[string]any, error) {
	job, err := s.Get(ctx, key, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobCompleted {
		return nil, fmt.Errorf("%w: job is %s, not completed", domain.ErrConflict, job.Status)
	}
	a, err := s.artifacts.Get(ctx, jobID, domain.ArtifactFinal)
	if err != nil {
		return nil, err
	}
	return a.Data, nil
}

// Artifact returns one of the fetchable artifact kinds.
func (s JobsService) Artifact(ctx context.Context, key domain.APIKey, jobID, kind string) (map[string]any, error) {
	if _, ok := fetchableKinds[kind]; !ok {
		return nil, fmt.Errorf("%w: unknown artifact kind %q", domain.ErrInvalidArgument, kind)
	}
	if _, err := s.Get(ctx, key, jobID); err != nil {
		return nil, err
	}
	a, err := s.artifacts.Get(ctx, jobID, kind)
	if err != nil {
		return nil, err
	}
	return a.Data, nil
}

// Events returns up to limit events with id > after, ascending.
func (s JobsService) Events(ctx context.Context, key domain.APIKey, jobID string, after int64, limit int) ([]domain.Event, error) {
	if _, err := s.Get(ctx, key, jobID); err != nil {
		return nil, err
	}
	return s.events.ListAfter(ctx, jobID, after, limit)
}

// Cancel sets the soft cancellation flag. Terminal jobs conflict.
func (s JobsService) Cancel(ctx context.Context, key domain.APIKey, jobID string) error {
	job, err := s.Get(ctx, key, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job already %s", domain.ErrConflict, job.Status)
	}
	if err := s.jobs.RequestCancel(ctx, jobID); err != nil {
		return err
	}
	_, _ = s.events.Append(ctx, jobID, domain.EventInfo, "cancel_requested", map[string]any{
		"requested_by": key.ID,
	})
	return nil
}
