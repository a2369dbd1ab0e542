package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
	"github.com/fairyhunter13/creator-discovery/pkg/urlx"
)

// maxPostsPerProfile caps how many recent posts feed the scoring prompt.
const maxPostsPerProfile = 8

// inactivityWindow is how far back a post must fall for a profile to
// count as active.
const inactivityWindow = 60 * 24 * time.Hour

// normalizeProfiles converges the two provider payload shapes into the
// unified Profile record. Rows that lack a usable profile URL are
// dropped.
func normalizeProfiles(rows []map[string]any, platform domain.Platform) []domain.Profile {
	now := time.Now().UTC()
	out := make([]domain.Profile, 0, len(rows))
	for _, row := range rows {
		p := normalizeProfile(row, platform, now)
		if p.ProfileURL == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func normalizeProfile(row map[string]any, platform domain.Platform, now time.Time) domain.Profile {
	p := domain.Profile{
		Platform:    platform,
		AccountID:   getString(row, "account_id", "account", "id"),
		DisplayName: getString(row, "profile_name", "full_name", "nickname", "display_name", "account"),
		Followers:   getInt64(row, "followers", "followers_count", "follower_count"),
		Biography:   getString(row, "biography", "bio", "signature"),
		ProfileURL:  urlx.Normalize(getString(row, "profile_url", "url")),
		Location:    getString(row, "business_address", "region", "location"),
	}
	if platform == domain.PlatformUnknown && p.ProfileURL != "" {
		p.Platform = domain.PlatformFromURL(p.ProfileURL)
	}

	rawPosts := getSlice(row, "posts", "top_videos", "videos")
	posts := make([]domain.Post, 0, len(rawPosts))
	for _, rp := range rawPosts {
		pm, ok := rp.(map[string]any)
		if !ok {
			continue
		}
		post := domain.Post{
			Caption:  getString(pm, "caption", "description", "title", "text"),
			Likes:    getInt64(pm, "likes", "digg_count", "like_count"),
			Comments: getInt64(pm, "comments", "comment_count", "num_comments"),
		}
		if ts, ok := parseTimestamp(pm, "datetime", "timestamp", "create_time", "posted_at", "date_posted"); ok {
			post.TimestampUnix = ts.Unix()
			post.PostedAt = relativeTime(ts, now)
		}
		posts = append(posts, post)
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].TimestampUnix > posts[j].TimestampUnix })
	if len(posts) > maxPostsPerProfile {
		posts = posts[:maxPostsPerProfile]
	}
	p.PostsData = posts
	return p
}

// isActive reports whether any post falls within the inactivity window.
func isActive(p domain.Profile, now time.Time) bool {
	cutoff := now.Add(-inactivityWindow).Unix()
	for _, post := range p.PostsData {
		if post.TimestampUnix >= cutoff {
			return true
		}
	}
	return false
}

// relativeTime renders a post date the way the scoring prompt expects.
func relativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 24*time.Hour:
		return "today"
	case d < 48*time.Hour:
		return "yesterday"
	case d < 14*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	case d < 60*24*time.Hour:
		return fmt.Sprintf("%d weeks ago", int(d.Hours()/(24*7)))
	default:
		return fmt.Sprintf("%d months ago", int(d.Hours()/(24*30)))
	}
}

func getString(row map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := row[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func getInt64(row map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := row[k].(type) {
		case float64:
			return int64(v)
		case int64:
			return v
		case int:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

func getSlice(row map[string]any, keys ...string) []any {
	for _, k := range keys {
		if v, ok := row[k].([]any); ok && len(v) > 0 {
			return v
		}
	}
	return nil
}

func parseTimestamp(row map[string]any, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		switch v := row[k].(type) {
		case float64:
			if v > 0 {
				return time.Unix(int64(v), 0).UTC(), true
			}
		case int64:
			if v > 0 {
				return time.Unix(v, 0).UTC(), true
			}
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02"} {
				if t, err := time.Parse(layout, v); err == nil {
					return t.UTC(), true
				}
			}
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				return time.Unix(n, 0).UTC(), true
			}
		}
	}
	return time.Time{}, false
}
