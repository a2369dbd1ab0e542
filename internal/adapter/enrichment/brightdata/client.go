// Package brightdata implements the Enricher port against a Bright Data
// style dataset API: trigger a collection snapshot for a batch of profile
// URLs, poll its progress, then download the result rows.
package brightdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fairyhunter13/creator-discovery/internal/adapter/observability"
	"github.com/fairyhunter13/creator-discovery/internal/config"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// Per-call HTTP deadlines. Download is the largest payload so it gets the
// longest budget.
const (
	triggerTimeout  = 120 * time.Second
	progressTimeout = 300 * time.Second
	downloadTimeout = 600 * time.Second
)

// Client implements domain.Enricher.
type Client struct {
	baseURL  string
	apiKey   string
	datasets map[domain.Platform]string
	hc       *http.Client
}

// New constructs the enrichment client from configuration.
func New(cfg config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.EnrichmentBaseURL, "/"),
		apiKey:  cfg.EnrichmentAPIKey,
		datasets: map[domain.Platform]string{
			domain.PlatformInstagram: cfg.InstagramDatasetID,
			domain.PlatformTikTok:    cfg.TikTokDatasetID,
		},
		// Per-request deadlines come from request contexts; the client
		// timeout is only a backstop.
		hc: &http.Client{Timeout: downloadTimeout + 30*time.Second},
	}
}

// Trigger starts a snapshot for one platform batch and returns its id.
func (c *Client) Trigger(ctx context.Context, platform domain.Platform, urls []string) (string, error) {
	dataset := c.datasets[platform]
	if dataset == "" {
		return "", fmt.Errorf("%w: no dataset configured for platform %s", domain.ErrInvalidArgument, platform)
	}
	rows := make([]map[string]string, 0, len(urls))
	for _, u := range urls {
		row := map[string]string{"url": u}
		// The TikTok dataset rejects requests without a country field.
		if platform == domain.PlatformTikTok {
			row["country"] = ""
		}
		rows = append(rows, row)
	}
	body, _ := json.Marshal(rows)

	q := url.Values{}
	q.Set("dataset_id", dataset)
	q.Set("include_errors", "true")
	endpoint := c.baseURL + "/trigger?" + q.Encode()

	ctx, cancel := context.WithTimeout(ctx, triggerTimeout)
	defer cancel()
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	observability.ObserveProvider("enrichment", "trigger", time.Since(start))
	if err != nil {
		return "", wrapTimeout("op=enrichment.trigger", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("op=enrichment.trigger: status %d: %s", resp.StatusCode, snippet)
	}
	var out struct {
		SnapshotID string `json:"snapshot_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("op=enrichment.trigger decode: %w", err)
	}
	if out.SnapshotID == "" {
		return "", fmt.Errorf("op=enrichment.trigger: empty snapshot id")
	}
	return out.SnapshotID, nil
}

// Progress reports a snapshot's state. Any status other than ready or
// failed counts as still running.
func (c *Client) Progress(ctx context.Context, snapshotID string) (domain.SnapshotStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, progressTimeout)
	defer cancel()
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/progress/"+snapshotID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.hc.Do(req)
	observability.ObserveProvider("enrichment", "progress", time.Since(start))
	if err != nil {
		return "", wrapTimeout("op=enrichment.progress", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=enrichment.progress: status %d", resp.StatusCode)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("op=enrichment.progress decode: %w", err)
	}
	switch out.Status {
	case "ready", "completed":
		return domain.SnapshotReady, nil
	case "failed", "error":
		return domain.SnapshotFailed, nil
	default:
		return domain.SnapshotRunning, nil
	}
}

// Download fetches the rows of a ready snapshot.
func (c *Client) Download(ctx context.Context, snapshotID string) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/snapshot/"+snapshotID+"?format=json", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.hc.Do(req)
	observability.ObserveProvider("enrichment", "download", time.Since(start))
	if err != nil {
		return nil, wrapTimeout("op=enrichment.download", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("op=enrichment.download: status %d: %s", resp.StatusCode, snippet)
	}
	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("op=enrichment.download decode: %w", err)
	}
	return rows, nil
}

func wrapTimeout(op string, err error) error {
	if ctxErr := context.DeadlineExceeded; err != nil && strings.Contains(err.Error(), ctxErr.Error()) {
		return fmt.Errorf("%s: %w", op, domain.ErrUpstreamTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}
