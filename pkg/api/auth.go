package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/nicktill/tinysync/pkg/httpx"
)

// APIKeyHeader carries the shared key
const APIKeyHeader = "X-API-Key"

// RequireAPIKey rejects requests that do not present key via X-API-Key or
// an Authorization bearer token. An empty key disables the check.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validKey(r, key) {
				httpx.RespondErrorString(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validKey(r *http.Request, key string) bool {
	got := r.Header.Get(APIKeyHeader)
	if got == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			got = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	// Browsers cannot set headers on WebSocket upgrades
	if got == "" {
		got = r.URL.Query().Get("apiKey")
	}
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1
}
