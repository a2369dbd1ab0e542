// Package httpserver contains the admission service's HTTP handlers and
// middleware. It keeps transport concerns out of the usecase layer.
package httpserver

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/fairyhunter13/creator-discovery/internal/domain"
	"github.com/fairyhunter13/creator-discovery/internal/observability"
	"github.com/fairyhunter13/creator-discovery/internal/service/ratelimiter"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
		codeStr = "UNAUTHORIZED"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrTooManyJobs):
		code = http.StatusTooManyRequests
		codeStr = "OVER_CAP"
	case errors.Is(err, domain.ErrPaymentRequired):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_PAYMENT_REQUIRED"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_TIMEOUT"
	case errors.Is(err, domain.ErrSchemaInvalid):
		code = http.StatusServiceUnavailable
		codeStr = "SCHEMA_INVALID"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{
		Code:      codeStr,
		Message:   err.Error(),
		Details:   details,
		RequestID: observability.RequestIDFromContext(r.Context()),
	}})
}

// setRateHeaders echoes the token-bucket decision on rate-limited
// endpoints.
func setRateHeaders(w http.ResponseWriter, scope string, d ratelimiter.Decision) {
	w.Header().Set("X-RateLimit-Scope", scope)
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(math.Floor(d.Remaining)), 10))
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(d.RetryAfter.Seconds())), 10))
	}
}
