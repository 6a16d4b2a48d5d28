package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/sqlchat/sqlchat/internal/observability"
)

const (
	OwnerHeader    = "X-Owner-ID"
	AnonymousOwner = "anonymous"
)

var ownerPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

type contextKey string

const identityKey contextKey = "auth_identity"

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

func ValidOwner(owner string) bool {
	return ownerPattern.MatchString(owner)
}

// ResolveOwner returns the authenticated owner, or the X-Owner-ID header
// when the request carries no identity.
func ResolveOwner(r *http.Request) (string, error) {
	if identity, ok := IdentityFromContext(r.Context()); ok {
		return identity.Owner, nil
	}
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		return AnonymousOwner, nil
	}
	if !ValidOwner(owner) {
		return "", fmt.Errorf("invalid %s header", OwnerHeader)
	}
	return owner, nil
}

// Middleware authenticates the API key and binds the request to the key's
// owner. An X-Owner-ID header naming anyone else is rejected.
func Middleware(logger *slog.Logger, validator APIKeyValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := extractAPIKey(r)
			if apiKey == "" {
				writeAuthError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing API key")
				return
			}

			identity, ok := validator.Validate(r.Context(), apiKey)
			if !ok {
				warn(logger, r, "authentication failed")
				writeAuthError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid API key")
				return
			}

			if claimed := strings.TrimSpace(r.Header.Get(OwnerHeader)); claimed != "" && claimed != identity.Owner {
				warn(logger, r, "owner header does not match api key",
					slog.String("owner", identity.Owner),
					slog.String("claimed_owner", claimed),
				)
				writeAuthError(w, r, http.StatusForbidden, "OWNER_MISMATCH", OwnerHeader+" does not match the API key owner")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func warn(logger *slog.Logger, r *http.Request, msg string, attrs ...any) {
	if logger == nil {
		return
	}
	attrs = append([]any{
		slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
		slog.String("path", r.URL.Path),
	}, attrs...)
	logger.WarnContext(r.Context(), msg, attrs...)
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if authorization == "" {
		return ""
	}
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authorization, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
