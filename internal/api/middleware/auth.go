package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genforge/internal/api/response"
	"github.com/kiranshivaraju/genforge/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLen is the number of leading key characters stored in clear for
// lookup.
const KeyPrefixLen = 8

// Scopes granted to API keys.
const (
	ScopeGenerate = "generate"
	ScopeAdmin    = "admin"
)

const lastUsedTimeout = 5 * time.Second

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	keys store.APIKeyStore
}

// NewAuth creates a new Auth middleware.
func NewAuth(s store.APIKeyStore) *Auth {
	return &Auth{keys: s}
}

// Authenticate validates the Bearer token, looks up the API key, and sets
// owner_id, key_prefix, and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"UNAUTHENTICATED", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < KeyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:KeyPrefixLen]

		keys, err := a.keys.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			slog.Error("api key lookup failed", "key_prefix", prefix, "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) != nil {
				continue
			}
			ctx := r.Context()
			ctx = SetOwnerID(ctx, key.OwnerID)
			ctx = SetKeyPrefix(ctx, prefix)
			ctx = SetScopes(ctx, key.Scopes)

			go a.touch(key.ID)

			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Invalid API key", nil)
	})
}

func (a *Auth) touch(keyID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), lastUsedTimeout)
	defer cancel()
	if err := a.keys.UpdateAPIKeyLastUsed(ctx, keyID); err != nil {
		slog.Warn("updating api key last_used_at failed", "key_id", keyID, "error", err)
	}
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(getScopes(r), scope) {
				next.ServeHTTP(w, r)
				return
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
