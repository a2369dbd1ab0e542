package httpserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

type principalKeyType struct{}

var principalKey principalKeyType

// HashAPIKey returns the hex sha256 digest stored in api_keys.key_hash.
// Raw credentials never touch the database.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// PrincipalFromContext returns the authenticated key set by APIKeyAuth.
func PrincipalFromContext(ctx context.Context) (domain.APIKey, bool) {
	k, ok := ctx.Value(principalKey).(domain.APIKey)
	return k, ok
}

// APIKeyAuth authenticates requests via X-API-Key or a bearer token and
// stores the resolved principal in the request context.
func APIKeyAuth(keys domain.APIKeyRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := credentialFrom(r)
			if raw == "" {
				writeError(w, r, fmt.Errorf("%w: missing api key", domain.ErrUnauthorized), nil)
				return
			}
			key, err := keys.FindByHash(r.Context(), HashAPIKey(raw))
			if err != nil {
				// Not-found and lookup failures look the same to the caller.
				writeError(w, r, fmt.Errorf("%w: invalid api key", domain.ErrUnauthorized), nil)
				return
			}
			if key.RevokedAt != nil {
				writeError(w, r, fmt.Errorf("%w: api key revoked", domain.ErrUnauthorized), nil)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func credentialFrom(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
