package httpserver

import (
	"net/http"
	"strings"

	"github.com/CedrosPay/entitlements/internal/authz"
)

// securityHeadersMiddleware adds standard security headers to all responses.
// HSTS is only sent over TLS.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// principalMiddleware trusts the session provider's header and places the
// principal in the request context. Requests without it stay anonymous.
func principalMiddleware(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-User-ID"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(header))
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := authz.WithPrincipal(r.Context(), authz.Principal{ID: id})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
