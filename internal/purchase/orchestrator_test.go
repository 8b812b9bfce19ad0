package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/CedrosPay/entitlements/internal/authz"
	"github.com/CedrosPay/entitlements/internal/catalog"
	"github.com/CedrosPay/entitlements/internal/config"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/events"
	"github.com/CedrosPay/entitlements/internal/gating"
	"github.com/CedrosPay/entitlements/internal/payment"
	"github.com/CedrosPay/entitlements/internal/receipt"
	"github.com/CedrosPay/entitlements/internal/retrylimit"
	"github.com/CedrosPay/entitlements/internal/storage"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu      sync.Mutex
	pays    int
	payErr  error
	blank   bool
	hold    chan struct{}
	entered chan struct{}
	history []*receipt.Raw
	listErr error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Pay(_ context.Context, userID string, product catalog.Product) (receipt.Raw, error) {
	p.mu.Lock()
	p.pays++
	n := p.pays
	hold, entered := p.hold, p.entered
	p.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if hold != nil {
		<-hold
	}
	if p.payErr != nil {
		return receipt.Raw{}, p.payErr
	}
	if p.blank {
		return receipt.Raw{ProductID: product.ID}, nil
	}
	return receipt.Raw{
		TransactionID: fmt.Sprintf("tx_%d", n),
		UserID:        userID,
		ProductID:     product.ID,
		Provider:      "fake",
		Data:          "signed",
		PriceCents:    product.PriceCents,
		Currency:      "USD",
	}, nil
}

func (p *fakeProvider) ListHistoricalReceipts(context.Context, string) ([]*receipt.Raw, error) {
	return p.history, p.listErr
}

func (p *fakeProvider) payCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pays
}

type fakeVerifier struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	invalid map[string]bool
	boom    bool
}

func (v *fakeVerifier) Verify(_ context.Context, r receipt.Raw) (receipt.Verified, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.boom {
		panic("verifier exploded")
	}
	if len(v.errs) > 0 {
		err := v.errs[0]
		v.errs = v.errs[1:]
		if err != nil {
			return receipt.Verified{}, err
		}
	}
	if v.invalid[r.TransactionID] {
		return receipt.Verified{}, receipt.Invalid("revoked")
	}
	return receipt.Verified{
		TransactionID: r.TransactionID,
		UserID:        r.UserID,
		ProductID:     r.ProductID,
		PurchasedAt:   fixedNow.Add(-time.Minute),
		PriceCents:    r.PriceCents,
		Currency:      r.Currency,
		VerifiedAt:    fixedNow,
	}, nil
}

func (v *fakeVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// flakyStore fails writes or reads while the matching error is set.
type flakyStore struct {
	*storage.MemoryStore
	mu        sync.Mutex
	insertErr error
	getErr    error
}

func (s *flakyStore) setInsertErr(err error) {
	s.mu.Lock()
	s.insertErr = err
	s.mu.Unlock()
}

func (s *flakyStore) InsertOrUpdatePurchase(ctx context.Context, p storage.Purchase) error {
	s.mu.Lock()
	err := s.insertErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.InsertOrUpdatePurchase(ctx, p)
}

func (s *flakyStore) GetPurchase(ctx context.Context, txID string) (storage.Purchase, error) {
	s.mu.Lock()
	err := s.getErr
	s.mu.Unlock()
	if err != nil {
		return storage.Purchase{}, err
	}
	return s.MemoryStore.GetPurchase(ctx, txID)
}

type recordingNotifier struct {
	mu        sync.Mutex
	purchases []events.PurchaseEvent
	restores  []events.RestoreEvent
}

func (n *recordingNotifier) PurchaseCompleted(_ context.Context, e events.PurchaseEvent) {
	n.mu.Lock()
	n.purchases = append(n.purchases, e)
	n.mu.Unlock()
}

func (n *recordingNotifier) PurchasesRestored(_ context.Context, e events.RestoreEvent) {
	n.mu.Lock()
	n.restores = append(n.restores, e)
	n.mu.Unlock()
}

func (n *recordingNotifier) Close() error { return nil }

type harness struct {
	orch     *Orchestrator
	provider *fakeProvider
	verifier *fakeVerifier
	store    *flakyStore
	gate     *gating.Service
	limiter  *retrylimit.Limiter
	notifier *recordingNotifier
	states   []State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := catalog.NewYAMLRepository(config.CatalogConfig{
		Products: map[string]config.Product{
			"pro": {Name: "Pro", PriceCents: 499, Currency: "USD", Features: []string{"export"}},
			"max": {Name: "Max", PriceCents: 999, Currency: "USD"},
		},
		Features: map[string]config.Feature{
			"basic":   {Level: "free"},
			"export":  {Level: "premium"},
			"reports": {Level: "premium", RequiredProductID: "max"},
		},
	})
	h := &harness{
		provider: &fakeProvider{},
		verifier: &fakeVerifier{invalid: map[string]bool{}},
		store:    &flakyStore{MemoryStore: storage.NewMemoryStore()},
		notifier: &recordingNotifier{},
		limiter: retrylimit.New(retrylimit.Config{MaxRetries: 3, ResetWindow: time.Hour},
			retrylimit.WithClock(func() time.Time { return fixedNow })),
	}
	guard := authz.NewGuard(nil, nil)
	gate, err := gating.New(context.Background(), repo, h.store, guard, nil)
	if err != nil {
		t.Fatalf("gating.New: %v", err)
	}
	h.gate = gate

	var mu sync.Mutex
	orch, err := New(Dependencies{
		Provider: h.provider,
		Verifier: h.verifier,
		Store:    h.store,
		Limiter:  h.limiter,
		Guard:    guard,
		Gate:     gate,
		Notifier: h.notifier,
	},
		WithClock(func() time.Time { return fixedNow }),
		WithStateObserver(func(_ context.Context, _ string, _, to State) {
			mu.Lock()
			h.states = append(h.states, to)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch
	return h
}

func as(user string) context.Context {
	return authz.WithPrincipal(context.Background(), authz.Principal{ID: user})
}

func wantCode(t *testing.T, err error, code apierrors.ErrorCode, retryable bool) {
	t.Helper()
	e := apierrors.As(err)
	if e == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if e.Code != code || e.Retryable != retryable {
		t.Fatalf("expected %s retryable=%v, got %s retryable=%v (%v)", code, retryable, e.Code, e.Retryable, err)
	}
}

func TestPurchaseProduct_Success(t *testing.T) {
	h := newHarness(t)
	ctx := as("alice")

	if h.gate.CanAccessSync(ctx, "export") {
		t.Fatal("export should be locked before purchase")
	}
	p, err := h.orch.PurchaseProduct(ctx, "pro")
	if err != nil {
		t.Fatalf("PurchaseProduct: %v", err)
	}
	if !p.IsVerified || !p.IsSynced || p.SyncedAt == nil || p.Source != storage.SourcePurchase {
		t.Fatalf("unexpected record %+v", p)
	}
	if len(p.UnlockedFeatures) != 1 || p.UnlockedFeatures[0] != "export" {
		t.Fatalf("unlocked = %v", p.UnlockedFeatures)
	}
	stored, err := h.store.GetPurchase(context.Background(), p.TransactionID)
	if err != nil || stored.UserID != "alice" {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
	if !h.gate.CanAccessSync(ctx, "export") {
		t.Fatal("export should unlock after purchase")
	}
	if len(h.notifier.purchases) != 1 || h.notifier.purchases[0].ProductID != "pro" {
		t.Fatalf("events = %+v", h.notifier.purchases)
	}
	want := []State{StatePaying, StateVerifying, StatePersisting, StateUnlocked}
	if fmt.Sprint(h.states) != fmt.Sprint(want) {
		t.Fatalf("states = %v, want %v", h.states, want)
	}
}

func TestPurchaseProduct_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.PurchaseProduct(context.Background(), "pro")
	wantCode(t, err, apierrors.ErrCodeNotAuthenticated, false)

	_, err = h.orch.PurchaseProduct(as("alice"), " ")
	wantCode(t, err, apierrors.ErrCodeInvalidInput, false)

	_, err = h.orch.PurchaseProduct(as("alice"), "ghost")
	wantCode(t, err, apierrors.ErrCodeNotFound, false)

	if h.provider.payCount() != 0 {
		t.Fatalf("provider charged %d times", h.provider.payCount())
	}
}

func TestPurchaseProduct_ProviderErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		blank     bool
		code      apierrors.ErrorCode
		retryable bool
		exit      State
	}{
		{"cancelled", fmt.Errorf("sheet closed: %w", payment.ErrCancelled), false, apierrors.ErrCodeCancelled, false, StateCancelled},
		{"store problem", payment.ErrStoreProblem, false, apierrors.ErrCodeStoreProblem, true, StateNetworkError},
		{"transport", errors.New("connection reset"), false, apierrors.ErrCodeNetworkError, true, StateNetworkError},
		{"malformed", nil, true, apierrors.ErrCodeMalformedResponse, false, StateUnknownError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.provider.payErr = tt.err
			h.provider.blank = tt.blank

			_, err := h.orch.PurchaseProduct(as("alice"), "pro")
			wantCode(t, err, tt.code, tt.retryable)
			if last := h.states[len(h.states)-1]; last != tt.exit {
				t.Fatalf("exit state = %v, want %v", last, tt.exit)
			}
			if h.verifier.callCount() != 0 {
				t.Fatal("verifier should not run after a failed payment")
			}
		})
	}
}

func TestPurchaseProduct_VerificationRetryLimit(t *testing.T) {
	h := newHarness(t)
	ctx := as("alice")
	h.verifier.invalid["tx_1"] = true

	for i := 1; i <= 3; i++ {
		_, err := h.orch.PurchaseProduct(ctx, "pro")
		wantCode(t, err, apierrors.ErrCodeVerificationFailed, true)
		if got := h.limiter.Count(ctx, "tx_1"); got != i {
			t.Fatalf("after attempt %d count = %d", i, got)
		}
	}

	_, err := h.orch.PurchaseProduct(ctx, "pro")
	wantCode(t, err, apierrors.ErrCodeVerificationFailed, false)
	if h.verifier.callCount() != 4 {
		t.Fatalf("verifier calls = %d, want 4", h.verifier.callCount())
	}

	_, err = h.orch.PurchaseProduct(ctx, "pro")
	wantCode(t, err, apierrors.ErrCodeVerificationFailed, false)
	if h.verifier.callCount() != 4 {
		t.Fatalf("limited transaction reached the verifier: %d calls", h.verifier.callCount())
	}
	if h.provider.payCount() != 1 {
		t.Fatalf("user charged %d times, want 1", h.provider.payCount())
	}
	if h.gate.CanAccessSync(ctx, "export") {
		t.Fatal("unverified purchase must not unlock")
	}
}

func TestPurchaseProduct_RetryAfterVerificationFailureSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := as("alice")
	h.verifier.errs = []error{receipt.Invalid("clock skew")}

	_, err := h.orch.PurchaseProduct(ctx, "pro")
	wantCode(t, err, apierrors.ErrCodeVerificationFailed, true)

	p, err := h.orch.PurchaseProduct(ctx, "pro")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if p.TransactionID != "tx_1" || h.provider.payCount() != 1 {
		t.Fatalf("retry charged again: tx=%s pays=%d", p.TransactionID, h.provider.payCount())
	}
	if h.limiter.Count(ctx, "tx_1") != 0 {
		t.Fatal("successful verification should clear the retry record")
	}
	if h.orch.ParkedReceipts() != 0 {
		t.Fatalf("parked = %d", h.orch.ParkedReceipts())
	}
}

func TestPurchaseProduct_VerifierUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := as("alice")
	h.verifier.errs = []error{errors.New("dial tcp: timeout")}

	_, err := h.orch.PurchaseProduct(ctx, "pro")
	wantCode(t, err, apierrors.ErrCodeNetworkError, true)
	if h.limiter.Count(ctx, "tx_1") != 0 {
		t.Fatal("transport failures must not count against the retry limit")
	}
	if _, err := h.orch.PurchaseProduct(ctx, "pro"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if h.provider.payCount() != 1 {
		t.Fatalf("pays = %d", h.provider.payCount())
	}
}

func TestPurchaseProduct_DatabaseFailureKeepsReceipt(t *testing.T) {
	h := newHarness(t)
	ctx := as("alice")
	h.store.setInsertErr(errors.New("disk full"))

	_, err := h.orch.PurchaseProduct(ctx, "pro")
	wantCode(t, err, apierrors.ErrCodeDatabaseError, true)
	if h.gate.CanAccessSync(ctx, "export") {
		t.Fatal("features granted before the write succeeded")
	}
	if h.orch.ParkedReceipts() != 1 {
		t.Fatalf("parked = %d, want 1", h.orch.ParkedReceipts())
	}

	h.store.setInsertErr(nil)
	p, err := h.orch.PurchaseProduct(ctx, "pro")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if p.TransactionID != "tx_1" || h.provider.payCount() != 1 {
		t.Fatalf("double charge: tx=%s pays=%d", p.TransactionID, h.provider.payCount())
	}
}

func TestPurchaseProduct_InProgress(t *testing.T) {
	h := newHarness(t)
	h.provider.hold = make(chan struct{})
	h.provider.entered = make(chan struct{}, 1)
	ctx := as("alice")

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.PurchaseProduct(ctx, "pro")
		done <- err
	}()
	<-h.provider.entered

	_, err := h.orch.PurchaseProduct(ctx, "pro")
	wantCode(t, err, apierrors.ErrCodePurchaseInProgress, true)

	close(h.provider.hold)
	if err := <-done; err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	if h.provider.payCount() != 1 {
		t.Fatalf("pays = %d", h.provider.payCount())
	}
}

func TestPurchaseProduct_PanicBecomesUnknownError(t *testing.T) {
	h := newHarness(t)
	h.verifier.boom = true

	_, err := h.orch.PurchaseProduct(as("alice"), "pro")
	wantCode(t, err, apierrors.ErrCodeUnknownError, false)
	if last := h.states[len(h.states)-1]; last != StateUnknownError {
		t.Fatalf("exit state = %v", last)
	}
}

func TestPurchaseProduct_ForeignReceiptRejected(t *testing.T) {
	h := newHarness(t)
	h.verifier.errs = nil
	orch := h.orch
	orch.deps.Verifier = verifierFunc(func(_ context.Context, r receipt.Raw) (receipt.Verified, error) {
		return receipt.Verified{TransactionID: r.TransactionID, UserID: "mallory", ProductID: r.ProductID, VerifiedAt: fixedNow}, nil
	})

	_, err := orch.PurchaseProduct(as("alice"), "pro")
	wantCode(t, err, apierrors.ErrCodeVerificationFailed, true)
	if _, err := h.store.GetPurchase(context.Background(), "tx_1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("foreign receipt persisted: %v", err)
	}
}

func TestPurchaseProduct_DoesNotOverwriteAnotherUsersRecord(t *testing.T) {
	h := newHarness(t)
	bg := context.Background()
	bobs := storage.Purchase{
		TransactionID: "tx_1", UserID: "bob", ProductID: "pro",
		IsVerified: true, IsSynced: true, UnlockedFeatures: []string{"export"},
	}
	if err := h.store.InsertOrUpdatePurchase(bg, bobs); err != nil {
		t.Fatal(err)
	}
	ctx := as("alice")

	_, err := h.orch.PurchaseProduct(ctx, "pro")
	wantCode(t, err, apierrors.ErrCodeForbidden, false)

	stored, err := h.store.GetPurchase(bg, "tx_1")
	if err != nil || stored.UserID != "bob" || !stored.IsVerified {
		t.Fatalf("bob's record changed: %+v, %v", stored, err)
	}
	if h.gate.CanAccessSync(ctx, "export") {
		t.Fatal("colliding transaction unlocked export for alice")
	}
	if h.orch.ParkedReceipts() != 1 {
		t.Fatalf("parked = %d, want the paid receipt kept", h.orch.ParkedReceipts())
	}
	if len(h.notifier.purchases) != 0 {
		t.Fatalf("events = %+v", h.notifier.purchases)
	}
}

func TestPurchaseProduct_ExpiredReceiptFailsVerification(t *testing.T) {
	h := newHarness(t)
	ctx := as("alice")
	h.orch.deps.Verifier = verifierFunc(func(_ context.Context, r receipt.Raw) (receipt.Verified, error) {
		return receipt.Verified{TransactionID: r.TransactionID, UserID: "alice", ProductID: r.ProductID}, receipt.ErrReceiptExpired
	})

	_, err := h.orch.PurchaseProduct(ctx, "pro")
	wantCode(t, err, apierrors.ErrCodeVerificationFailed, true)
	if got := h.limiter.Count(ctx, "tx_1"); got != 1 {
		t.Fatalf("retry count = %d, want 1", got)
	}
	if _, err := h.store.GetPurchase(context.Background(), "tx_1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired receipt persisted: %v", err)
	}
}

type verifierFunc func(context.Context, receipt.Raw) (receipt.Verified, error)

func (f verifierFunc) Verify(ctx context.Context, r receipt.Raw) (receipt.Verified, error) {
	return f(ctx, r)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}
