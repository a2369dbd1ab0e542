package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/creator-discovery/internal/config"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
	"github.com/fairyhunter13/creator-discovery/internal/observability"
	"github.com/fairyhunter13/creator-discovery/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg           config.Config
	Submit        usecase.SubmitService
	Jobs          usecase.JobsService
	Search        usecase.SearchService
	DBCheck       func(ctx context.Context) error
	RedisCheck    func(ctx context.Context) error
	WeaviateCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, jobs usecase.JobsService, search usecase.SearchService, dbCheck, redisCheck, weaviateCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Submit: submit, Jobs: jobs, Search: search, DBCheck: dbCheck, RedisCheck: redisCheck, WeaviateCheck: weaviateCheck}
}

func principal(w http.ResponseWriter, r *http.Request) (domain.APIKey, bool) {
	key, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, fmt.Errorf("%w: no principal", domain.ErrUnauthorized), nil)
	}
	return key, ok
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type startRequest struct {
	BusinessDescription    string   `json:"business_description" validate:"required"`
	TopN                   int      `json:"top_n" validate:"omitempty,min=1,max=1000"`
	WeaviateTopN           int      `json:"weaviate_top_n" validate:"omitempty,min=10,max=5000"`
	LLMTopN                int      `json:"llm_top_n" validate:"omitempty,min=1,max=1000"`
	MinFollowers           int      `json:"min_followers" validate:"omitempty,min=0"`
	MaxFollowers           int      `json:"max_followers" validate:"omitempty,min=0"`
	Platform               string   `json:"platform" validate:"omitempty,oneof=instagram tiktok"`
	ExcludeProfileURLs     []string `json:"exclude_profile_urls" validate:"omitempty,max=1000"`
	StrictLocationMatching bool     `json:"strict_location_matching"`
}

// StartHandler admits a discovery job and enqueues its execution.
func (s *Server) StartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := principal(w, r)
		if !ok {
			return
		}
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		res, err := s.Submit.Submit(r.Context(), key, usecase.SubmitInput{
			BusinessDescription:    req.BusinessDescription,
			TopN:                   req.TopN,
			WeaviateTopN:           req.WeaviateTopN,
			LLMTopN:                req.LLMTopN,
			MinFollowers:           req.MinFollowers,
			MaxFollowers:           req.MaxFollowers,
			Platform:               req.Platform,
			ExcludeProfileURLs:     req.ExcludeProfileURLs,
			StrictLocationMatching: req.StrictLocationMatching,
			IdempotencyKey:         strings.TrimSpace(r.Header.Get("Idempotency-Key")),
			RequestID:              observability.RequestIDFromContext(r.Context()),
		})
		setRateHeaders(w, "submit", res.Decision)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		status := http.StatusAccepted
		if res.Replayed {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{
			"job_id":     res.JobID,
			"status":     "accepted",
			"request_id": observability.RequestIDFromContext(r.Context()),
		})
	}
}

type jobView struct {
	JobID           string           `json:"job_id"`
	Status          domain.JobStatus `json:"status"`
	Progress        int              `json:"progress"`
	CurrentStage    domain.Stage     `json:"current_stage"`
	CancelRequested bool             `json:"cancel_requested"`
	Params          domain.JobParams `json:"params"`
	Meta            map[string]any   `json:"meta,omitempty"`
	Error           *domain.JobError `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
}

func viewOf(j domain.Job) jobView {
	return jobView{
		JobID:           j.ID,
		Status:          j.Status,
		Progress:        j.Progress,
		CurrentStage:    j.CurrentStage,
		CancelRequested: j.CancelRequested,
		Params:          j.Params,
		Meta:            j.Meta,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
	}
}

// ListJobsHandler returns the caller's most recent jobs.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := principal(w, r)
		if !ok {
			return
		}
		limit := queryInt(r, "limit", 50)
		if limit < 1 || limit > 100 {
			limit = 50
		}
		jobs, err := s.Jobs.List(r.Context(), key, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, viewOf(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "count": len(views)})
	}
}

// GetJobHandler returns one job projection.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := principal(w, r)
		if !ok {
			return
		}
		job, err := s.Jobs.Get(r.Context(), key, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(job))
	}
}

// ResultsHandler serves the final artifact of a completed job.
func (s *Server) ResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := principal(w, r)
		if !ok {
			return
		}
		data, err := s.Jobs.Results(r.Context(), key, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, data)
	}
}

// ArtifactHandler serves candidates, progressive, remaining or timing.
func (s *Server) ArtifactHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := principal(w, r)
		if !ok {
			return
		}
		data, err := s.Jobs.Artifact(r.Context(), key, chi.URLParam(r, "id"), chi.URLParam(r, "kind"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, data)
	}
}

type eventView struct {
	ID    int64            `json:"id"`
	TS    time.Time        `json:"ts"`
	Level domain.EventLevel `json:"level"`
	Type  string           `json:"type"`
	Data  map[string]any   `json:"data,omitempty"`
}

// EventsHandler serves the event log, batched JSON by default or an SSE
// stream when requested.
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := principal(w, r)
		if !ok {
			return
		}
		jobID := chi.URLParam(r, "id")
		after := queryInt64(r, "after", 0)
		if wantsSSE(r) {
			s.streamEvents(w, r, key, jobID, after)
			return
		}
		limit := queryInt(r, "limit", 100)
		if limit < 1 || limit > 1000 {
			limit = 100
		}
		events, err := s.Jobs.Events(r.Context(), key, jobID, after, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]eventView, 0, len(events))
		for _, e := range events {
			views = append(views, eventView{ID: e.ID, TS: e.TS, Level: e.Level, Type: e.Type, Data: e.Data})
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": views, "count": len(views)})
	}
}

// CancelHandler sets the cooperative cancellation flag.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := principal(w, r)
		if !ok {
			return
		}
		jobID := chi.URLParam(r, "id")
		if err := s.Jobs.Cancel(r.Context(), key, jobID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": "cancel_requested"})
	}
}

type searchRequest struct {
	Query        string  `json:"query" validate:"required"`
	Platform     string  `json:"platform" validate:"omitempty,oneof=instagram tiktok"`
	MinFollowers int     `json:"min_followers" validate:"omitempty,min=0"`
	MaxFollowers int     `json:"max_followers" validate:"omitempty,min=0"`
	Limit        int     `json:"limit" validate:"omitempty,min=1,max=1000"`
	Alpha        float64 `json:"alpha" validate:"omitempty,min=0,max=1"`
}

// SearchHandler runs one direct hybrid search against the index.
func (s *Server) SearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := principal(w, r)
		if !ok {
			return
		}
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		hits, decision, err := s.Search.Search(r.Context(), key, usecase.SearchInput{
			Query:        req.Query,
			Platform:     req.Platform,
			MinFollowers: req.MinFollowers,
			MaxFollowers: req.MaxFollowers,
			Limit:        req.Limit,
			Alpha:        req.Alpha,
		})
		setRateHeaders(w, "search", decision)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"candidates": hits, "count": len(hits)})
	}
}

// HealthHandler reports liveness plus dependency readiness.
func (s *Server) HealthHandler() http.HandlerFunc {
	type check struct {
		name string
		fn   func(ctx context.Context) error
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := []check{
			{"postgres", s.DBCheck},
			{"redis", s.RedisCheck},
			{"weaviate", s.WeaviateCheck},
		}
		status := "ok"
		details := map[string]string{}
		code := http.StatusOK
		for _, c := range checks {
			if c.fn == nil {
				continue
			}
			if err := c.fn(ctx); err != nil {
				status = "degraded"
				code = http.StatusServiceUnavailable
				details[c.name] = err.Error()
			} else {
				details[c.name] = "ok"
			}
		}
		writeJSON(w, code, map[string]any{"status": status, "checks": details})
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, name string, def int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
