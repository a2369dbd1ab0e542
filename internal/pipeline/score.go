package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/creator-discovery/internal/adapter/observability"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

const inactiveRationale = "inactive - no posts in last 60 days"

const scoringSystemPrompt = `You evaluate how well a social-media creator fits a business brief.
Score fit on a 1-10 scale weighing topical relevance, audience, content quality and location fit.
Respond with ONLY valid compact JSON: {"score": <int 1-10>, "rationale": "<one or two sentences>", "summary": "<one-line creator summary>"}.
No markdown, no code fences.`

const scoringStrictLocationAddendum = `
Strict location matching is ON: weight location fit at 70% of the total (instead of 60%).
Heavily penalize profiles whose location is unknown or unverifiable; such profiles cannot score above 5.`

// scoreBatch scores profiles against the description with per-profile
// concurrency bounded by the engine-wide semaphore. A failed profile
// scores 0 and never fails the batch.
func (r *run) scoreBatch(ctx context.Context, profiles []domain.Profile) []domain.ScoredProfile {
	now := time.Now().UTC()
	out := make([]domain.ScoredProfile, len(profiles))
	var wg sync.WaitGroup
	for i := range profiles {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.e.scoreSem.Acquire(ctx, 1); err != nil {
				out[i] = domain.ScoredProfile{Profile: profiles[i], FitScore: 0, FitRationale: "scoring aborted: " + err.Error()}
				return
			}
			defer r.e.scoreSem.Release(1)
			out[i] = r.scoreProfile(ctx, profiles[i], now)
		}()
	}
	wg.Wait()
	sort.SliceStable(out, func(i, j int) bool { return out[i].FitScore > out[j].FitScore })
	return out
}

func (r *run) scoreProfile(ctx context.Context, p domain.Profile, now time.Time) domain.ScoredProfile {
	if !isActive(p, now) {
		return domain.ScoredProfile{
			Profile:      p,
			FitScore:     0,
			FitRationale: inactiveRationale,
			FitSummary:   fmt.Sprintf("%s (%s) has no posts within the last 60 days.", p.DisplayName, p.Platform),
		}
	}

	sys := scoringSystemPrompt
	if r.params.StrictLocationMatching {
		sys += scoringStrictLocationAddendum
	}
	user := buildScoringUserPrompt(p, r.params.BusinessDescription)

	var lastErr error
	for attempt := 0; attempt <= 2 && ctx.Err() == nil; attempt++ {
		if attempt > 0 {
			// 1x then 2x the retry base between attempts.
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt) * r.e.scoreRetryBase):
			}
			if ctx.Err() != nil {
				break
			}
		}
		raw, err := r.e.deps.Scorer.ChatJSON(ctx, sys, user, 512)
		if err != nil {
			lastErr = err
			continue
		}
		score, rationale, summary, err := parseScore(raw)
		if err != nil {
			lastErr = err
			continue
		}
		fit := int(math.Round(float64(score) / 10.0 * 100.0))
		observability.FitScoreHistogram.Observe(float64(fit))
		return domain.ScoredProfile{Profile: p, FitScore: fit, FitRationale: rationale, FitSummary: summary}
	}

	slog.Warn("profile scoring failed after retries",
		slog.String("job_id", r.jobID), slog.String("profile_url", p.ProfileURL), slog.Any("error", lastErr))
	return domain.ScoredProfile{
		Profile:      p,
		FitScore:     0,
		FitRationale: fmt.Sprintf("scoring unavailable after retries: %v", lastErr),
	}
}

func buildScoringUserPrompt(p domain.Profile, description string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Business brief:\n%s\n\nCreator profile:\n", description)
	fmt.Fprintf(&b, "Platform: %s\nName: %s\nFollowers: %d\nBio: %s\n", p.Platform, p.DisplayName, p.Followers, p.Biography)
	if p.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", p.Location)
	} else {
		b.WriteString("Location: unknown\n")
	}
	if len(p.PostsData) > 0 {
		b.WriteString("Recent posts:\n")
		for _, post := range p.PostsData {
			fmt.Fprintf(&b, "- (%s, %d likes, %d comments) %s\n", post.PostedAt, post.Likes, post.Comments, post.Caption)
		}
	}
	return b.String()
}

func parseScore(raw string) (score int, rationale, summary string, err error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	var out struct {
		Score     int    `json:"score"`
		Rationale string `json:"rationale"`
		Summary   string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &out); err != nil {
		return 0, "", "", fmt.Errorf("%w: scoring output: %v", domain.ErrSchemaInvalid, err)
	}
	if out.Score < 1 || out.Score > 10 {
		return 0, "", "", fmt.Errorf("%w: score %d outside 1..10", domain.ErrSchemaInvalid, out.Score)
	}
	return out.Score, out.Rationale, out.Summary, nil
}
