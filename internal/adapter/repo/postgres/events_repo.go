package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// EventRepo appends and reads the per-job event log. Events are only ever
// appended; the serial id is the canonical cursor.
type EventRepo struct{ Pool PgxPool }

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo { return &EventRepo{Pool: p} }

// Append writes one event and returns its id.
func (r *EventRepo) Append(ctx context.Context, jobID string, level domain.EventLevel, typ string, data map[string]any) (int64, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("op=event.append: %w", err)
	}
	var id int64
	q := `INSERT INTO pipeline_job_events (job_id, ts, level, type, data) VALUES ($1,$2,$3,$4,$5) RETURNING id`
	if err := r.Pool.QueryRow(ctx, q, jobID, time.Now().UTC(), level, typ, b).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=event.append: %w", err)
	}
	return id, nil
}

// ListAfter returns events with id > after in ascending id order, up to
// limit rows. Polling with the last seen id is safe and idempotent.
func (r *EventRepo) ListAfter(ctx context.Context, jobID string, after int64, limit int) ([]domain.Event, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.ListAfter")
	defer span.End()
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	q := `SELECT id, job_id, ts, level, type, data FROM pipeline_job_events
		WHERE job_id=$1 AND id > $2 ORDER BY id ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, jobID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("op=event.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var data []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.TS, &e.Level, &e.Type, &data); err != nil {
			return nil, fmt.Errorf("op=event.list: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &e.Data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
