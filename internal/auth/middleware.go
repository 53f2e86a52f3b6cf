package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/askmesh/askmesh/internal/observability"
)

type identityContextKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(Identity)
	return identity, ok
}

const (
	failureMissingKey     = "missing_key"
	failureMalformed      = "malformed_authorization"
	failureInvalidKey     = "invalid_key"
	authenticateHeader    = "WWW-Authenticate"
	authenticateChallenge = `Bearer realm="askmesh"`
)

// Middleware authenticates every request on the ask surface. Accepted
// credentials are X-API-Key or "Authorization: Bearer". A request carrying
// both must present the same key in each.
func Middleware(logger *slog.Logger, validator APIKeyValidator) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, reason := extractAPIKey(r)
			if reason == "" {
				identity, ok := validator.Validate(r.Context(), apiKey)
				if ok {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
					return
				}
				reason = failureInvalidKey
			}

			observability.IncrementAuthFailures(reason)
			logger.WarnContext(r.Context(), "authentication failed",
				slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
				slog.String("reason", reason),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			writeUnauthorized(w, r, reason)
		})
	}
}

func extractAPIKey(r *http.Request) (string, string) {
	headerKey := strings.TrimSpace(r.Header.Get("X-API-Key"))

	var bearerKey string
	if authorization := strings.TrimSpace(r.Header.Get("Authorization")); authorization != "" {
		scheme, token, ok := strings.Cut(authorization, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", failureMalformed
		}
		bearerKey = strings.TrimSpace(token)
	}

	switch {
	case headerKey != "" && bearerKey != "" && headerKey != bearerKey:
		return "", failureMalformed
	case headerKey != "":
		return headerKey, ""
	case bearerKey != "":
		return bearerKey, ""
	default:
		return "", failureMissingKey
	}
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, reason string) {
	message := "invalid API key"
	switch reason {
	case failureMissingKey:
		message = "missing API key"
	case failureMalformed:
		message = "malformed credentials"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(authenticateHeader, authenticateChallenge)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": "UNAUTHORIZED",
		"message":    message,
		"retryable":  false,
		"context":    map[string]any{"reason": reason},
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
