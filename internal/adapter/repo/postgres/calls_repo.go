package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// CallRepo records the external-call ledger used by admin cost views.
type CallRepo struct{ Pool PgxPool }

// NewCallRepo constructs a CallRepo with the given pool.
func NewCallRepo(p PgxPool) *CallRepo { return &CallRepo{Pool: p} }

// Record inserts one ledger entry.
func (r *CallRepo) Record(ctx context.Context, c domain.ExternalCall) error {
	tracer := otel.Tracer("repo.calls")
	ctx, span := tracer.Start(ctx, "calls.Record")
	defer span.End()
	meta := c.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	b, _ := json.Marshal(meta)
	ts := c.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	// job_id and api_key_id are nullable UUID columns; empty strings are
	// stored as NULL.
	var jobID, keyID any
	if c.JobID != "" {
		jobID = c.JobID
	}
	if c.APIKeyID != "" {
		keyID = c.APIKeyID
	}
	q := `INSERT INTO external_calls (job_id, api_key_id, service, operation, ts, duration_ms, status, cost_usd, meta)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	if _, err := r.Pool.Exec(ctx, q, jobID, keyID, c.Service, c.Operation, ts,
		c.DurationMS, c.Status, c.CostUSD, b); err != nil {
		return fmt.Errorf("op=call.record: %w", err)
	}
	return nil
}
