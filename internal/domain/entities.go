// Package domain holds the core entities, closed tags and ports of the
// creator discovery pipeline. It stays free of transport and storage
// concerns; adapters implement the repository and provider interfaces
// declared here.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrTooManyJobs     = errors.New("too many active jobs")
	ErrPaymentRequired = errors.New("payment required")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrSchemaInvalid   = errors.New("schema invalid")
	ErrCancelled       = errors.New("cancelled")
	ErrInternal        = errors.New("internal error")
)

// JobStatus is the closed set of job states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "error"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a write-once terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Stage is the closed set of pipeline stages in their fixed linear order.
type Stage string

const (
	StageNone           Stage = "none"
	StageQueryExpansion Stage = "query_expansion"
	StageVectorSearch   Stage = "vector_search"
	StageEnrichment     Stage = "enrichment"
	StageScoring        Stage = "scoring"
)

// JobParams are the submitted request parameters, persisted verbatim on
// the job row.
type JobParams struct {
	BusinessDescription    string   `json:"business_description"`
	TopN                   int      `json:"top_n"`
	WeaviateTopN           int      `json:"weaviate_top_n"`
	LLMTopN                int      `json:"llm_top_n"`
	MinFollowers           int      `json:"min_followers,omitempty"`
	MaxFollowers           int      `json:"max_followers,omitempty"`
	Platform               string   `json:"platform,omitempty"`
	ExcludeProfileURLs     []string `json:"exclude_profile_urls,omitempty"`
	StrictLocationMatching bool     `json:"strict_location_matching,omitempty"`
}

// JobError carries the terminal error surfaced on a failed job.
type JobError struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

// Job is created by the admission service and mutated exclusively by the
// execution engine afterwards, except for CancelRequested which admission
// may set and the engine reads.
type Job struct {
	ID              string
	APIKeyID        string
	Status          JobStatus
	Progress        int
	CurrentStage    Stage
	CancelRequested bool
	Params          JobParams
	Meta            map[string]any
	Error           *JobError
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// EventLevel is the closed set of event severities.
type EventLevel string

const (
	EventDebug EventLevel = "debug"
	EventInfo  EventLevel = "info"
	EventWarn  EventLevel = "warn"
	EventError EventLevel = "error"
)

// Event is an append-only record bound to a job. The serial ID ordering
// is the canonical cursor for streaming and batched polling.
type Event struct {
	ID    int64
	JobID string
	TS    time.Time
	Level EventLevel
	Type  string
	Data  map[string]any
}

// Artifact kinds. BatchArtifactKind(n) yields the per-batch kind.
const (
	ArtifactCandidates  = "candidates"
	ArtifactProgressive = "progressive"
	ArtifactFinal       = "final"
	ArtifactRemaining   = "remaining"
	ArtifactTiming      = "timing"
)

// BatchArtifactKind returns the artifact kind for the batch with the
// given plan index.
func BatchArtifactKind(n int) string { return fmt.Sprintf("batch:%d", n) }

// Artifact is a (job_id, kind) keyed blob upserted idempotently by the
// execution engine.
type Artifact struct {
	JobID     string
	Kind      string
	Data      map[string]any
	UpdatedAt time.Time
}

// ExternalCall is a ledger entry per outbound provider invocation, used
// by the admin cost/usage views.
type ExternalCall struct {
	ID         int64
	JobID      string
	APIKeyID   string
	Service    string
	Operation  string
	TS         time.Time
	DurationMS int64
	Status     string
	CostUSD    float64
	Meta       map[string]any
}

// APIKey is the authenticated principal owning jobs. RatePerSecond and
// Burst parameterize the token bucket; ActiveCap bounds concurrently
// pending or running jobs.
type APIKey struct {
	ID           string
	Name         string
	KeyHash      string
	RatePerSec   float64
	Burst        int
	ActiveCap    int
	MonthlyQuota int
	CreatedAt    time.Time
	RevokedAt    *time.Time
}

// CacheEntry is a TTL'd enriched-profile payload keyed by a deterministic
// hash of the normalized profile URL.
type CacheEntry struct {
	CacheKey      string
	NormalizedURL string
	Platform      Platform
	RawData       map[string]any
	CachedAt      time.Time
	ExpiresAt     time.Time
}

// Repositories (ports)

type JobRepository interface {
	Create(ctx context.Context, j Job) (string, error)
	Get(ctx context.Context, id string) (Job, error)
	ListByKey(ctx context.Context, apiKeyID string, limit int) ([]Job, error)
	CountActive(ctx context.Context, apiKeyID string) (int, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int, stage Stage) error
	UpdateMeta(ctx context.Context, id string, meta map[string]any) error
	RequestCancel(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, status JobStatus, jobErr *JobError) error
}

type EventRepository interface {
	Append(ctx context.Context, jobID string, level EventLevel, typ string, data map[string]any) (int64, error)
	ListAfter(ctx context.Context, jobID string, after int64, limit int) ([]Event, error)
}

type ArtifactRepository interface {
	Upsert(ctx context.Context, jobID, kind string, data map[string]any) error
	Get(ctx context.Context, jobID, kind string) (Artifact, error)
	ListBatchKinds(ctx context.Context, jobID string) ([]string, error)
}

type ExternalCallRepository interface {
	Record(ctx context.Context, c ExternalCall) error
}

type APIKeyRepository interface {
	FindByHash(ctx context.Context, keyHash string) (APIKey, error)
	Upsert(ctx context.Context, k APIKey) error
}

type ProfileCacheRepository interface {
	BulkGet(ctx context.Context, cacheKeys []string) (map[string]CacheEntry, error)
	Put(ctx context.Context, entries []CacheEntry) error
}

// Queue (port)

type Queue interface {
	EnqueueRun(ctx context.Context, payload RunTaskPayload) (string, error)
}

// RunTaskPayload is the queue message produced at admission.
type RunTaskPayload struct {
	JobID     string `json:"job_id"`
	APIKeyID  string `json:"api_key_id"`
	RequestID string `json:"request_id,omitempty"`
}

// Provider ports. Each external collaborator is modeled with the minimum
// operation surface the engine needs, so tests can substitute
// deterministic fixture-backed implementations.

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type ScoringClient interface {
	// ChatJSON returns the raw content of a chat completion expected to be
	// strict JSON per the prompt contract.
	ChatJSON(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// SearchFilters narrow a hybrid vector search.
type SearchFilters struct {
	Platform     string
	MinFollowers int
	MaxFollowers int
}

// Candidate is a vector-search hit with preview fields, prior to
// enrichment and scoring.
type Candidate struct {
	ID          string  `json:"id"`
	Score       float64 `json:"score"`
	Distance    float64 `json:"distance"`
	ProfileURL  string  `json:"profile_url"`
	Platform    string  `json:"platform"`
	DisplayName string  `json:"display_name"`
	Biography   string  `json:"biography"`
	Followers   int64   `json:"followers"`
}

type VectorIndex interface {
	Hybrid(ctx context.Context, query string, vector []float32, alpha float64, limit int, f SearchFilters) ([]Candidate, error)
	Ready(ctx context.Context) error
}

// SnapshotStatus is the closed set of enrichment snapshot states the
// engine distinguishes.
type SnapshotStatus string

const (
	SnapshotRunning SnapshotStatus = "running"
	SnapshotReady   SnapshotStatus = "ready"
	SnapshotFailed  SnapshotStatus = "failed"
)

type Enricher interface {
	Trigger(ctx context.Context, platform Platform, urls []string) (snapshotID string, err error)
	Progress(ctx context.Context, snapshotID string) (SnapshotStatus, error)
	Download(ctx context.Context, snapshotID string) ([]map[string]any, error)
}
