// ABOUTME: HTTP middleware for bearer-token authentication on API endpoints
// ABOUTME: Extracts the JWT from the Authorization header and adds the user to context

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Bearer header errors, reported before any token verification happens.
var (
	ErrMissingHeader = errors.New("missing authorization header")
	ErrHeaderFormat  = errors.New("invalid authorization header format")
	ErrEmptyToken    = errors.New("empty token")
)

// ExtractBearerToken extracts a bearer token from the Authorization header value.
// The scheme match is case-insensitive.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingHeader
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrHeaderFormat
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// HTTPAuthMiddleware creates an HTTP middleware that requires a valid bearer token.
// On success the user ID and raw token are attached to the request context.
// Every failure is answered with the same generic 401 body; the reason is only logged.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				logger.Debug("rejecting request", "path", r.URL.Path, "reason", err)
				writeUnauthenticated(w)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejecting request", "path", r.URL.Path, "reason", err)
				writeUnauthenticated(w)
				return
			}

			ctx := WithToken(WithUser(r.Context(), userID), token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthenticated(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail": ErrUnauthenticated.Error(),
		"error":  true,
	})
}
