package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/entitlements/internal/authz"
	"github.com/CedrosPay/entitlements/internal/catalog"
	"github.com/CedrosPay/entitlements/internal/config"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/purchase"
	"github.com/CedrosPay/entitlements/internal/retrylimit"
	"github.com/CedrosPay/entitlements/internal/storage"
)

type stubGate struct {
	granted map[string]bool
	fresh   int
}

func (g *stubGate) GetFeatureDefinition(_ context.Context, id string) (catalog.Feature, error) {
	if _, ok := g.granted[id]; !ok {
		return catalog.Feature{}, apierrors.New(apierrors.ErrCodeNotFound, "feature not found")
	}
	return catalog.Feature{ID: id, Level: catalog.LevelPremium}, nil
}

func (g *stubGate) CanAccessSync(ctx context.Context, id string) bool {
	_, ok := authz.FromContext(ctx)
	return ok && g.granted[id]
}

func (g *stubGate) CanAccess(ctx context.Context, id string) bool {
	g.fresh++
	return g.CanAccessSync(ctx, id)
}

type stubPurchaser struct {
	lastUser string
	err      error
	restore  purchase.RestoreResult
}

func (p *stubPurchaser) PurchaseProduct(ctx context.Context, productID string) (storage.Purchase, error) {
	if p.err != nil {
		return storage.Purchase{}, p.err
	}
	principal, _ := authz.FromContext(ctx)
	p.lastUser = principal.ID
	return storage.Purchase{TransactionID: "tx_1", UserID: principal.ID, ProductID: productID, IsVerified: true}, nil
}

func (p *stubPurchaser) RestorePurchases(context.Context) (purchase.RestoreResult, error) {
	return p.restore, p.err
}

type stubHistory struct{ deleted []string }

func (h *stubHistory) List(ctx context.Context, userID string) ([]storage.Purchase, error) {
	if p, _ := authz.FromContext(ctx); p.ID != userID {
		return nil, apierrors.New(apierrors.ErrCodeForbidden, "forbidden")
	}
	return []storage.Purchase{{TransactionID: "tx_1", UserID: userID}}, nil
}

func (h *stubHistory) Delete(_ context.Context, _, txID string) error {
	h.deleted = append(h.deleted, txID)
	return nil
}

type testServer struct {
	handler   http.Handler
	gate      *stubGate
	purchases *stubPurchaser
	history   *stubHistory
	limiter   *retrylimit.Limiter
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.AdminAPIKey = "secret"
	cfg.RateLimit.PerIPEnabled = false
	cfg.RateLimit.PerUserEnabled = false
	if mutate != nil {
		mutate(cfg)
	}
	ts := &testServer{
		gate:      &stubGate{granted: map[string]bool{"export": true, "reports": false}},
		purchases: &stubPurchaser{},
		history:   &stubHistory{},
		limiter:   retrylimit.New(retrylimit.Config{MaxRetries: 1, ResetWindow: time.Hour}),
	}
	srv := New(cfg, Dependencies{
		Gate:      ts.gate,
		Purchases: ts.purchases,
		History:   ts.history,
		Retries:   ts.limiter,
		Gatherer:  prometheus.NewRegistry(),
		Version:   "test",
	}, zerolog.Nop())
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) do(method, path, user, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
}

func TestFeatureAccess(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name    string
		path    string
		user    string
		status  int
		granted bool
	}{
		{"granted", "/v1/features/export/access", "alice", http.StatusOK, true},
		{"anonymous", "/v1/features/export/access", "", http.StatusOK, false},
		{"locked", "/v1/features/reports/access", "alice", http.StatusOK, false},
		{"unknown", "/v1/features/ghost/access", "alice", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodGet, tt.path, tt.user, "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
			}
			if rec.Code != http.StatusOK {
				return
			}
			var resp featureAccessResponse
			decode(t, rec, &resp)
			if resp.Granted != tt.granted {
				t.Fatalf("granted = %v", resp.Granted)
			}
		})
	}

	ts.do(http.MethodGet, "/v1/features/export/access?fresh=true", "alice", "")
	if ts.gate.fresh != 1 {
		t.Fatalf("fresh checks = %d", ts.gate.fresh)
	}
}

func TestPurchaseEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/v1/purchases", "alice", `{"productId":"pro"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp purchaseResponse
	decode(t, rec, &resp)
	if resp.Purchase.ProductID != "pro" || ts.purchases.lastUser != "alice" {
		t.Fatalf("resp = %+v user=%s", resp, ts.purchases.lastUser)
	}

	rec = ts.do(http.MethodPost, "/v1/purchases", "alice", `{"product":"pro"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rec.Code)
	}
}

func TestPurchaseEndpoint_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.purchases.err = apierrors.New(apierrors.ErrCodeVerificationFailed, "receipt verification failed").WithRetryable(false)

	rec := ts.do(http.MethodPost, "/v1/purchases", "alice", `{"productId":"pro"}`)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp apierrors.ErrorResponse
	decode(t, rec, &resp)
	if resp.Error.Code != apierrors.ErrCodeVerificationFailed || resp.Error.Retryable {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestRestoreEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/v1/purchases/restore", "alice", "")
	var resp restoreResponse
	decode(t, rec, &resp)
	if rec.Code != http.StatusOK || !resp.Informational || resp.Message == "" {
		t.Fatalf("empty restore = %d %+v", rec.Code, resp)
	}

	ts.purchases.restore = purchase.RestoreResult{RestoredCount: 2, NewCount: 2}
	rec = ts.do(http.MethodPost, "/v1/purchases/restore", "alice", "")
	resp = restoreResponse{}
	decode(t, rec, &resp)
	if resp.Informational || resp.NewCount != 2 {
		t.Fatalf("restore = %+v", resp)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/v1/users/alice/purchases", "alice", "")
	var list purchaseListResponse
	decode(t, rec, &list)
	if rec.Code != http.StatusOK || list.Count != 1 {
		t.Fatalf("list = %d %+v", rec.Code, list)
	}

	rec = ts.do(http.MethodGet, "/v1/users/bob/purchases", "alice", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-user list status = %d", rec.Code)
	}

	rec = ts.do(http.MethodDelete, "/v1/users/alice/purchases/tx_1", "alice", "")
	if rec.Code != http.StatusNoContent || len(ts.history.deleted) != 1 {
		t.Fatalf("delete = %d %v", rec.Code, ts.history.deleted)
	}
}

func TestAdminRetries(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := ts.limiter.RecordFailure(ctx, "tx_stuck"); err != nil {
			t.Fatal(err)
		}
	}
	auth := []string{"Authorization", "Bearer secret"}

	if rec := ts.do(http.MethodGet, "/admin/retries", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key status = %d", rec.Code)
	}

	rec := ts.do(http.MethodGet, "/admin/retries", "", "", auth...)
	var limited limitedRetriesResponse
	decode(t, rec, &limited)
	if limited.Count != 1 || limited.Transactions[0].TransactionID != "tx_stuck" {
		t.Fatalf("limited = %+v", limited)
	}

	rec = ts.do(http.MethodGet, "/admin/retries/tx_stuck", "", "", auth...)
	var status retrylimit.Status
	decode(t, rec, &status)
	if !status.RequiresManualIntervention || status.FailureCount != 2 {
		t.Fatalf("status = %+v", status)
	}

	rec = ts.do(http.MethodDelete, "/admin/retries/tx_stuck", "", "", auth...)
	if rec.Code != http.StatusOK || !ts.limiter.CanRetry(ctx, "tx_stuck") {
		t.Fatalf("clear = %d", rec.Code)
	}

	rec = ts.do(http.MethodGet, "/admin/retries/stats", "", "", auth...)
	var stats retrylimit.Statistics
	decode(t, rec, &stats)
	if stats.LimitedTransactions != 0 || stats.MaxRetries != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAdminRoutesDisabledWithoutKey(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Auth.AdminAPIKey = "" })
	if rec := ts.do(http.MethodGet, "/admin/retries", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func TestRoutePrefix(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.RoutePrefix = "/api" })
	if rec := ts.do(http.MethodGet, "/api/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("prefixed health = %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/health", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unprefixed health = %d", rec.Code)
	}
}
