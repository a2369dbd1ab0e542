package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
	"github.com/fairyhunter13/creator-discovery/internal/service/ratelimiter"
)

// SearchInput is the auxiliary direct-search request.
type SearchInput struct {
	Query        string
	Platform     string
	MinFollowers int
	MaxFollowers int
	Limit        int
	Alpha        float64
}

// SearchService exposes the hybrid index directly, with the same filter
// semantics as the pipeline's vector-search stage.
type SearchService struct {
	embedder domain.Embedder
	index    domain.VectorIndex
	limiter  ratelimiter.Limiter
}

// NewSearchService constructs the direct-search usecase.
func NewSearchService(embedder domain.Embedder, index domain.VectorIndex, limiter ratelimiter.Limiter) SearchService {
	return SearchService{embedder: embedder, index: index, limiter: limiter}
}

// Search embeds the query once and runs one hybrid search.
func (s SearchService) Search(ctx context.Context, key domain.APIKey, in SearchInput) ([]domain.Candidate, ratelimiter.Decision, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, ratelimiter.Decision{}, fmt.Errorf("%w: query is required", domain.ErrInvalidArgument)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		return nil, ratelimiter.Decision{}, fmt.Errorf("%w: limit must be at most 1000", domain.ErrInvalidArgument)
	}
	alpha := in.Alpha
	if alpha == 0 {
		alpha = 0.5
	}
	if alpha < 0 || alpha > 1 {
		return nil, ratelimiter.Decision{}, fmt.Errorf("%w: alpha must be in [0,1]", domain.ErrInvalidArgument)
	}
	platform := strings.ToLower(strings.TrimSpace(in.Platform))
	switch platform {
	case "", "instagram", "tiktok":
	default:
		return nil, ratelimiter.Decision{}, fmt.Errorf("%w: platform must be instagram or tiktok", domain.ErrInvalidArgument)
	}

	decision, err := s.limiter.Allow(ctx, key.ID, "search", key.RatePerSec, key.Burst)
	if err == nil && !decision.Allowed {
		return nil, decision, fmt.Errorf("%w: search bucket empty", domain.ErrRateLimited)
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, decision, err
	}
	hits, err := s.index.Hybrid(ctx, query, vecs[0], alpha, limit, domain.SearchFilters{
		Platform:     platform,
		MinFollowers: in.MinFollowers,
		MaxFollowers: in.MaxFollowers,
	})
	if err != nil {
		return nil, decision, err
	}
	return hits, decision, nil
}
