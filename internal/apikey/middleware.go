// Package apikey protects operator endpoints with a static bearer key.
package apikey

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
)

// Mode decides what happens when no key is configured.
type Mode int

const (
	// Closed routes answer 404 without a configured key.
	Closed Mode = iota
	// Open routes are public without a configured key.
	Open
)

// RequireBearer checks "Authorization: Bearer {key}" in constant time.
func RequireBearer(key string, mode Mode) func(http.Handler) http.Handler {
	key = strings.TrimSpace(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				if mode == Open {
					next.ServeHTTP(w, r)
					return
				}
				http.NotFound(w, r)
				return
			}
			if !Matches(r, key) {
				log := logger.FromContext(r.Context())
				log.Warn().Str("path", r.URL.Path).Msg("apikey.rejected")
				apierrors.WriteSimpleError(w, apierrors.ErrCodeNotAuthenticated, "invalid or missing admin API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Matches reports whether r carries key as its bearer token.
func Matches(r *http.Request, key string) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(key)) == 1
}
