// Package middleware holds the HTTP and admin gRPC request middleware.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-API-Key"

// KeyLookup decides whether an API key may call protected routes.
type KeyLookup interface {
	Valid(ctx context.Context, key string) bool
}

// StaticKeys is a KeyLookup over a fixed set of keys.
type StaticKeys struct {
	keys []string
}

func NewStaticKeys(keys []string) *StaticKeys {
	return &StaticKeys{keys: append([]string(nil), keys...)}
}

func (s *StaticKeys) Valid(ctx context.Context, key string) bool {
	ok := false
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

// Len is the number of configured keys.
func (s *StaticKeys) Len() int {
	return len(s.keys)
}

type apiKeyCtxKey struct{}

// RequireAPIKey rejects requests without a valid key from the X-API-Key
// header or an "Authorization: Bearer" header.
func RequireAPIKey(lookup KeyLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractAPIKey(r)
			if key == "" {
				writeAuthError(w, "missing api key")
				return
			}
			if !lookup.Valid(r.Context(), key) {
				writeAuthError(w, "invalid api key")
				return
			}
			ctx := context.WithValue(r.Context(), apiKeyCtxKey{}, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKeyFromContext returns the key RequireAPIKey accepted.
func APIKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(apiKeyCtxKey{}).(string)
	return key
}

// KeyByAPIKey is an httprate key function. Anonymous callers are keyed by IP.
func KeyByAPIKey(r *http.Request) (string, error) {
	if key := extractAPIKey(r); key != "" {
		return "key:" + key, nil
	}
	return httprate.KeyByIP(r)
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"errors":  []map[string]string{{"reason": reason}},
	})
}
