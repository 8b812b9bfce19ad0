package logger

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTruncateID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"short", "short"},
		{"txn_000000000001", "txn_0000...0001"},
	}
	for _, tt := range tests {
		if got := TruncateID(tt.in); got != tt.want {
			t.Errorf("TruncateID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromContext_MissingLoggerIsNop(t *testing.T) {
	l := FromContext(context.Background())
	// Must not panic.
	l.Info().Msg("ignored")
}

func TestMiddleware_LogsCompletion(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: "debug", Format: "json", Service: "test", Output: &buf})

	h := Middleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := FromContext(r.Context())
		log.Info().Msg("handler.called")
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req_abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := buf.String()
	for _, want := range []string{"handler.called", "request.completed", `"status":418`, `"request_id":"req_abc"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
	if rec.Header().Get("X-Request-ID") != "req_abc" {
		t.Error("expected request id echoed in response")
	}
}
