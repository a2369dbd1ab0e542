// Package embedding implements the Embedder port against OpenAI-compatible
// embeddings endpoints, with a secondary provider used as a fallback when
// the primary fails or runs out of credit.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/creator-discovery/internal/adapter/observability"
	"github.com/fairyhunter13/creator-discovery/internal/config"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

type provider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
}

// Client implements domain.Embedder.
type Client struct {
	hc       *http.Client
	primary  provider
	fallback provider
}

// New constructs the embedding client from configuration.
func New(cfg config.Config) *Client {
	return &Client{
		hc: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		primary: provider{
			name:    "embeddings_primary",
			baseURL: cfg.OpenAIBaseURL,
			apiKey:  cfg.OpenAIAPIKey,
			model:   cfg.EmbeddingsModel,
		},
		fallback: provider{
			name:    "embeddings_fallback",
			baseURL: cfg.FallbackBaseURL,
			apiKey:  cfg.FallbackAPIKey,
			model:   cfg.FallbackEmbedModel,
		},
	}
}

// Embed returns one vector per input text, in input order. The fallback
// provider is tried when the primary exhausts retries or reports payment
// required.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := c.embedWith(ctx, c.primary, texts)
	if err == nil {
		return vecs, nil
	}
	if c.fallback.apiKey == "" || c.fallback.baseURL == "" {
		return nil, err
	}
	slog.Warn("primary embeddings provider failed, trying fallback",
		slog.Any("error", err))
	vecs, ferr := c.embedWith(ctx, c.fallback, texts)
	if ferr != nil {
		return nil, fmt.Errorf("op=embed.fallback: %w (primary: %v)", ferr, err)
	}
	return vecs, nil
}

func (c *Client) embedWith(ctx context.Context, p provider, texts []string) ([][]float32, error) {
	if p.apiKey == "" || p.model == "" {
		return nil, fmt.Errorf("%w: embeddings provider %s not configured", domain.ErrInvalidArgument, p.name)
	}
	body, _ := json.Marshal(map[string]any{"model": p.model, "input": texts})
	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	op := func() error {
		start := time.Now()
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
		r.Header.Set("Authorization", "Bearer "+p.apiKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		observability.ObserveProvider(p.name, "embed", time.Since(start))
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode == http.StatusPaymentRequired:
			return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrPaymentRequired, p.name))
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("embed status 429")
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			slog.Warn("embeddings provider 4xx",
				slog.String("provider", p.name), slog.Int("status", resp.StatusCode),
				slog.String("body", string(snippet)))
			return backoff.Permanent(fmt.Errorf("embed status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("embed status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	}
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 90 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return nil, fmt.Errorf("op=embed.%s: %w", p.name, err)
	}
	if len(out.Data) != len(texts) {
		return nil, errors.New("embeddings response length mismatch")
	}
	res := make([][]float32, len(out.Data))
	for i := range out.Data {
		v := make([]float32, len(out.Data[i].Embedding))
		for j := range out.Data[i].Embedding {
			v[j] = float32(out.Data[i].Embedding[j])
		}
		res[i] = v
	}
	return res, nil
}
