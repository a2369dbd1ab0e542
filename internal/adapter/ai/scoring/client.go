// Package scoring implements the ScoringClient port against an
// OpenRouter-compatible chat completions endpoint.
package scoring

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

// Client implements domain.ScoringClient.
type Client struct {
	hc      *http.Client
	baseURL string
	apiKey  string
	model   string
}

// New constructs the scoring client from configuration.
func New(cfg config.Config) *Client {
	return &Client{
		hc: &http.Client{
			Timeout:   120 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: cfg.ScoringBaseURL,
		apiKey:  cfg.ScoringAPIKey,
		model:   cfg.ScoringModel,
	}
}

// ChatJSON runs one chat completion and returns the raw message content.
// Temperature stays low since callers expect strict JSON back.
func (c *Client) ChatJSON(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("%w: scoring api key missing", domain.ErrInvalidArgument)
	}
	body, _ := json.Marshal(map[string]any{
		"model":       c.model,
		"temperature": 0.2,
		"max_tokens":  maxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
	})
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	op := func() error {
		start := time.Now()
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		observability.ObserveProvider("scoring", "chat", time.Since(start))
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode == http.StatusPaymentRequired:
			return backoff.Permanent(fmt.Errorf("%w: scoring provider", domain.ErrPaymentRequired))
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("chat status 429")
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			slog.Warn("scoring provider 4xx",
				slog.Int("status", resp.StatusCode), slog.String("model", c.model),
				slog.String("body", string(snippet)))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	}
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 3 * time.Minute
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return "", fmt.Errorf("op=scoring.chat: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("empty choices from scoring provider")
	}
	return out.Choices[0].Message.Content, nil
}
