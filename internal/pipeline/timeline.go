package pipeline

import (
	"sync"
	"time"
)

// timeline records relative-start offsets per stage for the waterfall
// artifact rendered by the run's Gantt view.
type timeline struct {
	startedAt time.Time

	mu    sync.Mutex
	spans []*timelineSpan
}

type timelineSpan struct {
	Name    string `json:"name"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	open    bool
}

func newTimeline() *timeline {
	return &timeline{startedAt: time.Now().UTC()}
}

func (t *timeline) offset() int64 {
	return time.Since(t.startedAt).Milliseconds()
}

func (t *timeline) start(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = append(t.spans, &timelineSpan{Name: name, StartMS: t.offset(), open: true})
}

// end closes the most recent open span with the given name. Ending a
// name that was never started is a no-op.
func (t *timeline) end(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.spans) - 1; i >= 0; i-- {
		if t.spans[i].Name == name && t.spans[i].open {
			t.spans[i].EndMS = t.offset()
			t.spans[i].open = false
			return
		}
	}
}

// closeAll ends every open span, used on terminal transitions so the
// waterfall never carries dangling spans.
func (t *timeline) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.offset()
	for _, s := range t.spans {
		if s.open {
			s.EndMS = now
			s.open = false
		}
	}
}

// artifact renders the waterfall as an artifact payload.
func (t *timeline) artifact() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	stages := make([]map[string]any, 0, len(t.spans))
	for _, s := range t.spans {
		stages = append(stages, map[string]any{
			"name":     s.Name,
			"start_ms": s.StartMS,
			"end_ms":   s.EndMS,
		})
	}
	return map[string]any{
		"started_at":       t.startedAt.Format(time.RFC3339Nano),
		"total_elapsed_ms": t.offset(),
		"stages":           stages,
	}
}
