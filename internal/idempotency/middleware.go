// Package idempotency replays the recorded response when a client repeats a
// request with the same Idempotency-Key, so a retried purchase POST returns
// the original result instead of starting a new flow.
package idempotency

import (
	"bytes"
	"net/http"
	"time"

	"github.com/CedrosPay/entitlements/internal/authz"
	"github.com/CedrosPay/entitlements/internal/logger"
)

const (
	HeaderKey    = "Idempotency-Key"
	HeaderReplay = "Idempotent-Replayed"

	DefaultTTL = 24 * time.Hour
)

type recorder struct {
	http.ResponseWriter
	status  int
	headers map[string]string
	body    bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if r.status != 0 {
		return
	}
	r.status = status
	r.headers = make(map[string]string, len(r.Header()))
	for k := range r.Header() {
		r.headers[k] = r.Header().Get(k)
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware records 2xx responses for requests carrying Idempotency-Key and
// replays them for ttl. Keys are scoped by principal, method and path, so two
// users can never see each other's responses. Errors are not recorded and the
// client may retry them with the same key.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			principal, _ := authz.FromContext(r.Context())
			key := principal.ID + "|" + r.Method + "|" + r.URL.Path + "|" + rawKey

			if cached, ok := store.Get(r.Context(), key); ok {
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set(HeaderReplay, "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status < 200 || rec.status >= 300 {
				return
			}
			resp := &Response{
				StatusCode: rec.status,
				Headers:    rec.headers,
				Body:       bytes.Clone(rec.body.Bytes()),
				RecordedAt: time.Now(),
			}
			if err := store.Set(r.Context(), key, resp, ttl); err != nil {
				log := logger.FromContext(r.Context())
				log.Warn().Err(err).Msg("idempotency.record_failed")
			}
		})
	}
}
