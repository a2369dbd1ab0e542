// Package urlx provides profile-URL normalization utilities used across
// the project.
package urlx

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize canonicalizes a profile URL for deduplication and cache
// keying: lowercased, trailing slash removed, scheme dropped, and the
// www. prefix stripped for the supported hosts.
func Normalize(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	if strings.HasPrefix(s, "www.instagram.com") || strings.HasPrefix(s, "www.tiktok.com") {
		s = strings.TrimPrefix(s, "www.")
	}
	s = strings.TrimSuffix(s, "/")
	// Drop query and fragment; profile identity lives in the path.
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return s
}

// CacheKey returns the deterministic profile-cache key for a URL.
func CacheKey(raw string) string {
	h := sha256.Sum256([]byte(Normalize(raw)))
	return hex.EncodeToString(h[:])
}

// Equal reports whether two profile URLs identify the same profile.
func Equal(a, b string) bool { return Normalize(a) == Normalize(b) }
