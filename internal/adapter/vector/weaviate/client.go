// Package weaviate is a minimal GraphQL client for hybrid creator search.
// Queries combine BM25 and vector relevance across three named vectors
// per object, weighted toward the profile vector.
package weaviate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/creator-discovery/internal/adapter/observability"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// Target vector names and relative-score weights applied to every hybrid
// query. The profile vector dominates because bios describe creators more
// reliably than hashtags or captions.
var targetWeights = map[string]float64{
	"profile_vector": 2.5,
	"hashtag_vector": 1.5,
	"post_vector":    1.0,
}

// Client implements domain.VectorIndex over Weaviate's GraphQL API.
type Client struct {
	baseURL    string
	apiKey     string
	collection string
	hc         *http.Client
}

// New constructs a client for the given Weaviate endpoint and collection.
func New(baseURL, apiKey, collection string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		hc:         &http.Client{Timeout: timeout},
	}
}

// Ready probes the readiness endpoint.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/.well-known/ready", nil)
	if err != nil {
		return err
	}
	c.auth(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=weaviate.ready: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=weaviate.ready: status %d", resp.StatusCode)
	}
	return nil
}

// Hybrid runs one hybrid search. alpha 0 is pure keyword, 1 pure vector.
func (c *Client) Hybrid(ctx context.Context, query string, vector []float32, alpha float64, limit int, f domain.SearchFilters) ([]domain.Candidate, error) {
	gql, err := buildHybridQuery(c.collection, query, vector, alpha, limit, f)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]string{"query": gql})

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	resp, err := c.hc.Do(req)
	observability.ObserveProvider("weaviate", "hybrid", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("op=weaviate.hybrid: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("op=weaviate.hybrid: status %d: %s", resp.StatusCode, snippet)
	}

	var out struct {
		Data   map[string]map[string][]searchHit `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=weaviate.hybrid decode: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("op=weaviate.hybrid: %s", out.Errors[0].Message)
	}
	hits := out.Data["Get"][c.collection]
	cands := make([]domain.Candidate, 0, len(hits))
	for _, h := range hits {
		cands = append(cands, h.toCandidate())
	}
	return cands, nil
}

type searchHit struct {
	ProfileURL  string `json:"profile_url"`
	Platform    string `json:"platform"`
	DisplayName string `json:"display_name"`
	Biography   string `json:"biography"`
	Followers   int64  `json:"followers"`
	Additional  struct {
		ID       string  `json:"id"`
		Score    string  `json:"score"`
		Distance float64 `json:"distance"`
	} `json:"_additional"`
}

func (h searchHit) toCandidate() domain.Candidate {
	var score float64
	fmt.Sscanf(h.Additional.Score, "%g", &score)
	return domain.Candidate{
		ID:          h.Additional.ID,
		Score:       score,
		Distance:    h.Additional.Distance,
		ProfileURL:  h.ProfileURL,
		Platform:    h.Platform,
		DisplayName: h.DisplayName,
		Biography:   h.Biography,
		Followers:   h.Followers,
	}
}

func buildHybridQuery(collection, query string, vector []float32, alpha float64, limit int, f domain.SearchFilters) (string, error) {
	qjson, err := json.Marshal(query)
	if err != nil {
		return "", err
	}
	vjson, err := json.Marshal(vector)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "{ Get { %s(", collection)
	fmt.Fprintf(&b, "hybrid: { query: %s, vector: %s, alpha: %g, targets: { combinationMethod: relativeScore, targetVectors: [\"profile_vector\", \"hashtag_vector\", \"post_vector\"], weights: { profile_vector: %g, hashtag_vector: %g, post_vector: %g } } }",
		qjson, vjson, alpha,
		targetWeights["profile_vector"], targetWeights["hashtag_vector"], targetWeights["post_vector"])
	if where := buildWhere(f); where != "" {
		fmt.Fprintf(&b, ", where: %s", where)
	}
	fmt.Fprintf(&b, ", limit: %d", limit)
	b.WriteString(") { profile_url platform display_name biography followers _additional { id score distance } } } }")
	return b.String(), nil
}

func buildWhere(f domain.SearchFilters) string {
	var operands []string
	if f.Platform != "" {
		operands = append(operands,
			fmt.Sprintf(`{ path: ["platform"], operator: Equal, valueText: %q }`, f.Platform))
	}
	if f.MinFollowers > 0 {
		operands = append(operands,
			fmt.Sprintf(`{ path: ["followers"], operator: GreaterThanEqual, valueInt: %d }`, f.MinFollowers))
	}
	if f.MaxFollowers > 0 {
		operands = append(operands,
			fmt.Sprintf(`{ path: ["followers"], operator: LessThanEqual, valueInt: %d }`, f.MaxFollowers))
	}
	switch len(operands) {
	case 0:
		return ""
	case 1:
		return operands[0]
	default:
		return fmt.Sprintf(`{ operator: And, operands: [%s] }`, strings.Join(operands, ", "))
	}
}

func (c *Client) auth(r *http.Request) {
	if c.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
