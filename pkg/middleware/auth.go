/**
 * @description
 * This package provides middleware for the HTTP server: bearer token and API
 * key authentication, and rate limiting.
 */
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// AuthContextKey is a custom type for the context key to avoid collisions.
type AuthContextKey string

// UserIDKey is the key used to store the authenticated user's ID in the request context.
const UserIDKey AuthContextKey = "userID"

// APIKeyHeader carries the machine caller's key.
const APIKeyHeader = "X-API-Key"

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	VerifyToken(token string) (uuid.UUID, error)
}

// APIKeyVerifier validates machine caller keys.
type APIKeyVerifier interface {
	VerifyAPIKey(key string) error
}

// ErrorResponder writes the response for a rejected request.
type ErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

// AuthMiddleware validates the Authorization bearer token and stores the user ID in the context.
func AuthMiddleware(verifier TokenVerifier, onError ErrorResponder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r.Header.Get("Authorization"))
			userID, err := verifier.VerifyToken(token)
			if err != nil {
				onError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKeyMiddleware validates the X-API-Key header.
func APIKeyMiddleware(verifier APIKeyVerifier, onError ErrorResponder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := verifier.VerifyAPIKey(strings.TrimSpace(r.Header.Get(APIKeyHeader))); err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// GetUserIDFromContext retrieves the user ID from the request context.
// It returns uuid.Nil if the user ID is not found.
func GetUserIDFromContext(ctx context.Context) uuid.UUID {
	userID, ok := ctx.Value(UserIDKey).(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return userID
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": message}})
}
