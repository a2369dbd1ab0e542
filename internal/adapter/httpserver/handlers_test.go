package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/creator-discovery/internal/config"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
	"github.com/fairyhunter13/creator-discovery/internal/service/ratelimiter"
	"github.com/fairyhunter13/creator-discovery/internal/usecase"
)

const testRawKey = "test-key"

type stubKeys struct {
	keys map[string]domain.APIKey
}

func (s *stubKeys) FindByHash(_ context.Context, keyHash string) (domain.APIKey, error) {
	k, ok := s.keys[keyHash]
	if !ok {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return k, nil
}

func (s *stubKeys) Upsert(context.Context, domain.APIKey) error { return nil }

type stubJobsRepo struct {
	domain.JobRepository
	jobs      map[string]domain.Job
	active    int
	cancelled []string
}

func (s *stubJobsRepo) CountActive(context.Context, string) (int, error) { return s.active, nil }

func (s *stubJobsRepo) Create(_ context.Context, j domain.Job) (string, error) {
	if s.jobs == nil {
		s.jobs = map[string]domain.Job{}
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *stubJobsRepo) Get(_ context.Context, id string) (domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *stubJobsRepo) ListByKey(_ context.Context, apiKeyID string, _ int) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range s.jobs {
		if j.APIKeyID == apiKeyID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *stubJobsRepo) RequestCancel(_ context.Context, id string) error {
	s.cancelled = append(s.cancelled, id)
	return nil
}

type stubEventsRepo struct {
	domain.EventRepository
	events []domain.Event
	// onList lets streaming tests stop the request after a read.
	onList func(after int64)
}

func (s *stubEventsRepo) Append(_ context.Context, jobID string, level domain.EventLevel, typ string, data map[string]any) (int64, error) {
	id := int64(len(s.events) + 1)
	s.events = append(s.events, domain.Event{ID: id, JobID: jobID, Level: level, Type: typ, Data: data})
	return id, nil
}

func (s *stubEventsRepo) ListAfter(_ context.Context, jobID string, after int64, limit int) ([]domain.Event, error) {
	if s.onList != nil {
		s.onList(after)
	}
	var out []domain.Event
	for _, e := range s.events {
		if e.JobID == jobID && e.ID > after && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type stubArtifactsRepo struct {
	domain.ArtifactRepository
	data map[string]map[string]any
}

func (s *stubArtifactsRepo) Get(_ context.Context, _, kind string) (domain.Artifact, error) {
	d, ok := s.data[kind]
	if !ok {
		return domain.Artifact{}, domain.ErrNotFound
	}
	return domain.Artifact{Kind: kind, Data: d}, nil
}

type stubQueue struct{ enqueued []domain.RunTaskPayload }

func (s *stubQueue) EnqueueRun(_ context.Context, p domain.RunTaskPayload) (string, error) {
	s.enqueued = append(s.enqueued, p)
	return p.JobID, nil
}

type stubLimiter struct{ decision ratelimiter.Decision }

func (s stubLimiter) Allow(context.Context, string, string, float64, int) (ratelimiter.Decision, error) {
	return s.decision, nil
}

type stubIdem struct{ stored map[string]string }

func (s *stubIdem) Lookup(_ context.Context, principal, token string) (string, bool, error) {
	id, ok := s.stored[principal+"/"+token]
	return id, ok, nil
}

func (s *stubIdem) Remember(_ context.Context, principal, token, jobID string) error {
	if s.stored == nil {
		s.stored = map[string]string{}
	}
	s.stored[principal+"/"+token] = jobID
	return nil
}

type harness struct {
	jobs      *stubJobsRepo
	events    *stubEventsRepo
	artifacts *stubArtifactsRepo
	queue     *stubQueue
	router    chi.Router
}

func newHarness(t *testing.T, decision ratelimiter.Decision) *harness {
	t.Helper()
	keys := &stubKeys{keys: map[string]domain.APIKey{
		HashAPIKey(testRawKey): {ID: "key-1", Name: "test", RatePerSec: 10, Burst: 10, ActiveCap: 3},
	}}
	jobs := &stubJobsRepo{jobs: map[string]domain.Job{}}
	events := &stubEventsRepo{}
	artifacts := &stubArtifactsRepo{data: map[string]map[string]any{}}
	queue := &stubQueue{}

	cfg := config.Config{MaxActiveJobsPerKey: 3}
	submit := usecase.NewSubmitService(cfg, jobs, events, queue, stubLimiter{decision: decision}, &stubIdem{})
	jobsSvc := usecase.NewJobsService(jobs, events, artifacts)

	srv := &Server{Cfg: cfg, Submit: submit, Jobs: jobsSvc}
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(keys))
		r.Post("/pipeline/start", srv.StartHandler())
		r.Get("/pipeline/jobs", srv.ListJobsHandler())
		r.Get("/pipeline/jobs/{id}", srv.GetJobHandler())
		r.Get("/pipeline/jobs/{id}/results", srv.ResultsHandler())
		r.Get("/pipeline/jobs/{id}/artifacts/{kind}", srv.ArtifactHandler())
		r.Get("/pipeline/jobs/{id}/events", srv.EventsHandler())
		r.Post("/pipeline/jobs/{id}/cancel", srv.CancelHandler())
	})
	return &harness{jobs: jobs, events: events, artifacts: artifacts, queue: queue, router: r}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	req.Header.Set("X-API-Key", testRawKey)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestStart_Accepts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimiter.Decision{Allowed: true, Remaining: 9})

	body := `{"business_description":"austin coffee lifestyle creators","top_n":5}`
	rec := h.do(httptest.NewRequest(http.MethodPost, "/pipeline/start", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"job_id"`)
	assert.Contains(t, rec.Body.String(), `"accepted"`)
	assert.Equal(t, "submit", rec.Header().Get("X-RateLimit-Scope"))
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
	require.Len(t, h.queue.enqueued, 1)
}

func TestStart_MissingKeyUnauthorized(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimiter.Decision{Allowed: true})

	req := httptest.NewRequest(http.MethodPost, "/pipeline/start", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
}

func TestStart_ValidationRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimiter.Decision{Allowed: true})

	rec := h.do(httptest.NewRequest(http.MethodPost, "/pipeline/start", strings.NewReader(`{"business_description":"  "}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")
	assert.Empty(t, h.queue.enqueued)
}

func TestStart_RateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimiter.Decision{Allowed: false, Remaining: 0, RetryAfter: 1500 * time.Millisecond})

	rec := h.do(httptest.NewRequest(http.MethodPost, "/pipeline/start", strings.NewReader(`{"business_description":"x"}`)))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2", rec.Header().Get("Retry-After"), "retry hint rounds up")
}

func TestStart_IdempotentReplayReturns200(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimiter.Decision{Allowed: true, Remaining: 9})

	body := `{"business_description":"x"}`
	first := httptest.NewRequest(http.MethodPost, "/pipeline/start", strings.NewReader(body))
	first.Header.Set("Idempotency-Key", "A1B2")
	rec1 := h.do(first)
	require.Equal(t, http.StatusAccepted, rec1.Code)

	second := httptest.NewRequest(http.MethodPost, "/pipeline/start", strings.NewReader(body))
	second.Header.Set("Idempotency-Key", "A1B2")
	rec2 := h.do(second)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Len(t, h.jobs.jobs, 1, "replay must not create a second job")
}

func TestGetJob_OwnershipLooksLikeNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimiter.Decision{Allowed: true})
	h.jobs.jobs["job-2"] = domain.Job{ID: "job-2", APIKeyID: "someone-else", Status: domain.JobRunning}

	rec := h.do(httptest.NewRequest(http.MethodGet, "/pipeline/jobs/job-2", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestResults_ConflictUntilCompleted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimiter.Decision{Allowed: true})
	h.jobs.jobs["job-1"] = domain.Job{ID: "job-1", APIKeyID: "key-1", Status: domain.JobRunning}

	rec := h.do(httptest.NewRequest(http.MethodGet, "/pipeline/jobs/job-1/results", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	h.jobs.jobs["job-1"] = domain.Job{ID: "job-1", APIKeyID: "key-1", Status: domain.JobCompleted}
	h.artifacts.data[domain.ArtifactFinal] = map[string]any{"profiles": []any{}, "count": 0}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/pipeline/jobs/job-1/results", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"profiles"`)
}

func TestArtifact_UnknownKindRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimiter.Decision{Allowed: true})
	h.jobs.jobs["job-1"] = domain.Job{ID: "job-1", APIKeyID: "key-1", Status: domain.JobCompleted}

	rec := h.do(httptest.NewRequest(http.MethodGet, "/pipeline/jobs/job-1/artifacts/final", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel_TerminalConflicts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimiter.Decision{Allowed: true})
	h.jobs.jobs["job-1"] = domain.Job{ID: "job-1", APIKeyID: "key-1", Status: domain.JobCompleted}

	rec := h.do(httptest.NewRequest(http.MethodPost, "/pipeline/jobs/job-1/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, h.jobs.cancelled)
}

func TestEvents_BatchAscending(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimiter.Decision{Allowed: true})
	h.jobs.jobs["job-1"] = domain.Job{ID: "job-1", APIKeyID: "key-1", Status: domain.JobRunning}
	for i := 0; i < 3; i++ {
		_, _ = h.events.Append(context.Background(), "job-1", domain.EventInfo, "stage_started", nil)
	}

	rec := h.do(httptest.NewRequest(http.MethodGet, "/pipeline/jobs/job-1/events?after=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"id":2`)
	assert.Contains(t, body, `"id":3`)
	assert.NotContains(t, body, `"id":1,`)
}

func TestEvents_SSEPrefersLastEventID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ratelimiter.Decision{Allowed: true})
	h.jobs.jobs["job-1"] = domain.Job{ID: "job-1", APIKeyID: "key-1", Status: domain.JobRunning}
	for i := 0; i < 7; i++ {
		_, _ = h.events.Append(context.Background(), "job-1", domain.EventInfo, "batch_completed", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Stop the stream once the handler has drained past the cursor.
	h.events.onList = func(after int64) {
		if after >= 7 {
			cancel()
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/pipeline/jobs/job-1/events?format=sse&after=1", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "5")
	rec := h.do(req)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "event: ping")
	assert.Contains(t, body, "event: job_event")
	assert.Contains(t, body, "id: 6")
	assert.Contains(t, body, "id: 7")
	assert.NotContains(t, body, "id: 2\n", "header cursor must win over the query cursor")
}

func TestHealth_DegradedDependency(t *testing.T) {
	t.Parallel()
	srv := &Server{
		DBCheck:    func(context.Context) error { return nil },
		RedisCheck: func(context.Context) error { return context.DeadlineExceeded },
	}
	rec := httptest.NewRecorder()
	srv.HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}
