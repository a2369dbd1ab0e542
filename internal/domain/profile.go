package domain

import "strings"

// Platform is the closed tag for supported creator platforms.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformUnknown   Platform = "unknown"
)

// PlatformFromURL derives the platform tag from a profile URL.
func PlatformFromURL(u string) Platform {
	lu := strings.ToLower(u)
	switch {
	case strings.Contains(lu, "instagram.com"):
		return PlatformInstagram
	case strings.Contains(lu, "tiktok.com"):
		return PlatformTikTok
	}
	return PlatformUnknown
}

// Post is a single published item on a profile, already truncated and
// relative-time formatted by normalization.
type Post struct {
	Caption       string `json:"caption,omitempty"`
	PostedAt      string `json:"posted_at,omitempty"`
	Likes         int64  `json:"likes,omitempty"`
	Comments      int64  `json:"comments,omitempty"`
	TimestampUnix int64  `json:"-"`
}

// Profile is the unified enriched shape both provider payload variants
// converge to.
type Profile struct {
	Platform    Platform `json:"platform"`
	AccountID   string   `json:"account_id"`
	DisplayName string   `json:"display_name"`
	Followers   int64    `json:"followers"`
	Biography   string   `json:"biography"`
	ProfileURL  string   `json:"profile_url"`
	Location    string   `json:"location,omitempty"`
	PostsData   []Post   `json:"posts_data,omitempty"`
}

// ScoredProfile is a profile with its normalized fit on the 0-100 scale.
// A FitScore of 100 (a perfect 10/10) is the good-fit threshold.
type ScoredProfile struct {
	Profile
	FitScore     int    `json:"fit_score"`
	FitRationale string `json:"fit_rationale"`
	FitSummary   string `json:"fit_summary"`
}

// GoodFitThreshold is the fit score that counts toward adaptive early
// termination.
const GoodFitThreshold = 100
