package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// In-memory doubles for the engine's ports. All are safe for concurrent
// use so fan-out paths can be exercised directly.

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]*domain.Job{}} }

func (m *memJobs) put(j domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := j
	m.jobs[j.ID] = &cp
}

func (m *memJobs) Create(_ context.Context, j domain.Job) (string, error) {
	m.put(j)
	return j.ID, nil
}

func (m *memJobs) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (m *memJobs) ListByKey(_ context.Context, apiKeyID string, _ int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if j.APIKeyID == apiKeyID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobs) CountActive(_ context.Context, apiKeyID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.APIKeyID == apiKeyID && (j.Status == domain.JobPending || j.Status == domain.JobRunning) {
			n++
		}
	}
	return n, nil
}

func (m *memJobs) MarkRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status == domain.JobPending {
		j.Status = domain.JobRunning
		now := time.Now().UTC()
		j.StartedAt = &now
	}
	return nil
}

func (m *memJobs) UpdateProgress(_ context.Context, id string, progress int, stage domain.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return nil
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.CurrentStage = stage
	return nil
}

func (m *memJobs) UpdateMeta(_ context.Context, id string, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Meta == nil {
		j.Meta = map[string]any{}
	}
	for k, v := range meta {
		j.Meta[k] = v
	}
	return nil
}

func (m *memJobs) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return domain.ErrConflict
	}
	j.CancelRequested = true
	return nil
}

func (m *memJobs) Finish(_ context.Context, id string, status domain.JobStatus, jobErr *domain.JobError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return nil
	}
	j.Status = status
	j.Progress = 100
	j.Error = jobErr
	now := time.Now().UTC()
	j.FinishedAt = &now
	return nil
}

type memEvents struct {
	mu     sync.Mutex
	nextID int64
	events []domain.Event
}

func newMemEvents() *memEvents { return &memEvents{} }

func (m *memEvents) Append(_ context.Context, jobID string, level domain.EventLevel, typ string, data map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.events = append(m.events, domain.Event{
		ID: m.nextID, JobID: jobID, TS: time.Now().UTC(), Level: level, Type: typ, Data: data,
	})
	return m.nextID, nil
}

func (m *memEvents) ListAfter(_ context.Context, jobID string, after int64, limit int) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.JobID == jobID && e.ID > after {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memEvents) typesFor(jobID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.JobID == jobID {
			out = append(out, e.Type)
		}
	}
	return out
}

type memArtifacts struct {
	mu   sync.Mutex
	data map[string]map[string]any // key: jobID + "/" + kind
}

func newMemArtifacts() *memArtifacts { return &memArtifacts{data: map[string]map[string]any{}} }

func (m *memArtifacts) Upsert(_ context.Context, jobID, kind string, data map[string]any) error {
	// Round-trip through JSON to mirror what the Postgres repo stores.
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var stored map[string]any
	if err := json.Unmarshal(b, &stored); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[jobID+"/"+kind] = stored
	return nil
}

func (m *memArtifacts) Get(_ context.Context, jobID, kind string) (domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[jobID+"/"+kind]
	if !ok {
		return domain.Artifact{}, domain.ErrNotFound
	}
	return domain.Artifact{JobID: jobID, Kind: kind, Data: d, UpdatedAt: time.Now().UTC()}, nil
}

func (m *memArtifacts) ListBatchKinds(_ context.Context, jobID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kinds []string
	prefix := jobID + "/batch:"
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			kinds = append(kinds, strings.TrimPrefix(k, jobID+"/"))
		}
	}
	sort.Slice(kinds, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(kinds[i], "batch:"))
		b, _ := strconv.Atoi(strings.TrimPrefix(kinds[j], "batch:"))
		return a < b
	})
	return kinds, nil
}

type memCalls struct {
	mu    sync.Mutex
	calls []domain.ExternalCall
}

func newMemCalls() *memCalls { return &memCalls{} }

func (m *memCalls) Record(_ context.Context, c domain.ExternalCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	return nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]domain.CacheEntry
}

func newMemCache() *memCache { return &memCache{entries: map[string]domain.CacheEntry{}} }

func (m *memCache) BulkGet(_ context.Context, keys []string) (map[string]domain.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]domain.CacheEntry{}
	now := time.Now()
	for _, k := range keys {
		if e, ok := m.entries[k]; ok && e.ExpiresAt.After(now) {
			out[k] = e
		}
	}
	return out, nil
}

func (m *memCache) Put(_ context.Context, entries []domain.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.CacheKey] = e
	}
	return nil
}

// fakeEmbedder returns a deterministic vector per text.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

// fakeIndex returns a fixed candidate pool for every search.
type fakeIndex struct {
	mu         sync.Mutex
	candidates []domain.Candidate
	searches   int
}

func (f *fakeIndex) Hybrid(_ context.Context, _ string, _ []float32, _ float64, limit int, _ domain.SearchFilters) ([]domain.Candidate, error) {
	f.mu.Lock()
	f.searches++
	f.mu.Unlock()
	if len(f.candidates) > limit {
		return f.candidates[:limit], nil
	}
	return f.candidates, nil
}

func (f *fakeIndex) Ready(context.Context) error { return nil }

// fakeScorer answers the query-expansion prompt with fixed keywords and
// every scoring prompt with a configurable score.
type fakeScorer struct {
	mu        sync.Mutex
	score     int
	scoreBy   func(userPrompt string) int
	scoreReqs int
}

func (f *fakeScorer) ChatJSON(_ context.Context, systemPrompt, userPrompt string, _ int) (string, error) {
	if strings.Contains(systemPrompt, "search strategist") {
		return `{"queries": ["coffee creators", "austin lifestyle"]}`, nil
	}
	f.mu.Lock()
	f.scoreReqs++
	score := f.score
	f.mu.Unlock()
	if f.scoreBy != nil {
		score = f.scoreBy(userPrompt)
	}
	return fmt.Sprintf(`{"score": %d, "rationale": "fits the brief", "summary": "creator"}`, score), nil
}

// fakeEnricher simulates the trigger/progress/download snapshot machine.
// Snapshots become ready after readyAfter progress polls.
type fakeEnricher struct {
	mu         sync.Mutex
	readyAfter int
	snapshots  map[string]*fakeSnapshot
	triggers   int
	maxActive  int
	onTrigger  func()
	rowsFor    func(urls []string) []map[string]any
}

type fakeSnapshot struct {
	urls  []string
	polls int
	done  bool
}

func newFakeEnricher(rowsFor func(urls []string) []map[string]any) *fakeEnricher {
	return &fakeEnricher{snapshots: map[string]*fakeSnapshot{}, rowsFor: rowsFor}
}

func (f *fakeEnricher) Trigger(_ context.Context, _ domain.Platform, urls []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onTrigger != nil {
		f.onTrigger()
	}
	f.triggers++
	id := fmt.Sprintf("snap-%d", f.triggers)
	f.snapshots[id] = &fakeSnapshot{urls: urls}
	if active := f.activeLocked(); active > f.maxActive {
		f.maxActive = active
	}
	return id, nil
}

func (f *fakeEnricher) activeLocked() int {
	n := 0
	for _, s := range f.snapshots {
		if !s.done {
			n++
		}
	}
	return n
}

func (f *fakeEnricher) Progress(_ context.Context, id string) (domain.SnapshotStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snapshots[id]
	if !ok {
		return domain.SnapshotFailed, nil
	}
	s.polls++
	if s.polls > f.readyAfter {
		return domain.SnapshotReady, nil
	}
	return domain.SnapshotRunning, nil
}

func (f *fakeEnricher) Download(_ context.Context, id string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snapshots[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	s.done = true
	return f.rowsFor(s.urls), nil
}
