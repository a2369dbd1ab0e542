package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
	"github.com/fairyhunter13/creator-discovery/internal/observability"
)

const (
	sseChunkSize = 200
	sseHeartbeat = time.Second
)

func wantsSSE(r *http.Request) bool {
	if r.URL.Query().Get("format") == "sse" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// streamEvents serves the append-only event log as SSE frames. The
// Last-Event-ID header takes precedence over the `after` query so
// reconnecting clients resume where they left off.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, key domain.APIKey, jobID string, after int64) {
	if _, err := s.Jobs.Get(r.Context(), key, jobID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	cursor := after
	if lastID := strings.TrimSpace(r.Header.Get("Last-Event-ID")); lastID != "" {
		if n, err := strconv.ParseInt(lastID, 10, 64); err == nil {
			cursor = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Seed heartbeat so proxies commit the stream immediately.
	fmt.Fprint(w, "event: ping\ndata: {}\n\n")
	flusher.Flush()

	ctx := r.Context()
	log := observability.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		events, err := s.Jobs.Events(ctx, key, jobID, cursor, sseChunkSize)
		if err != nil {
			log.Warn("sse read failed", "job_id", jobID, "error", err)
			events = nil
		}
		if len(events) == 0 {
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
			select {
			case <-ctx.Done():
				return
			case <-time.After(sseHeartbeat):
			}
			continue
		}
		for _, e := range events {
			payload, err := json.Marshal(eventView{ID: e.ID, TS: e.TS, Level: e.Level, Type: e.Type, Data: e.Data})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: job_event\ndata: %s\nid: %d\n\n", payload, e.ID)
			cursor = e.ID
		}
		flusher.Flush()
	}
}
