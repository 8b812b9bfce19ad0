package stripe

import (
	"context"
	"errors"
	"net/http"
	"testing"

	stripeapi "github.com/stripe/stripe-go/v72"

	"github.com/CedrosPay/entitlements/internal/catalog"
	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/payment"
	"github.com/CedrosPay/entitlements/internal/receipt"
)

type fakeIntents struct {
	created []*stripeapi.PaymentIntentParams
	newPI   *stripeapi.PaymentIntent
	newErr  error
	byID    map[string]*stripeapi.PaymentIntent
	getErr  error
	list    []*stripeapi.PaymentIntent
	listErr error
}

func (f *fakeIntents) New(params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	f.created = append(f.created, params)
	return f.newPI, f.newErr
}

func (f *fakeIntents) Get(id string, _ *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	pi, ok := f.byID[id]
	if !ok {
		return nil, &stripeapi.Error{HTTPStatusCode: http.StatusNotFound, Code: stripeapi.ErrorCodeResourceMissing}
	}
	return pi, nil
}

func (f *fakeIntents) List(*stripeapi.PaymentIntentListParams) ([]*stripeapi.PaymentIntent, error) {
	return f.list, f.listErr
}

func succeeded(id, user, product string) *stripeapi.PaymentIntent {
	return &stripeapi.PaymentIntent{
		ID:       id,
		Amount:   499,
		Currency: "usd",
		Created:  1767225600,
		Status:   stripeapi.PaymentIntentStatusSucceeded,
		Metadata: map[string]string{metaUserID: user, metaProductID: product},
	}
}

func TestPaySendsMetadata(t *testing.T) {
	api := &fakeIntents{newPI: succeeded("pi_1", "alice", "pro")}
	c := NewClient(config.StripeConfig{}, WithIntentAPI(api))

	raw, err := c.Pay(context.Background(), "alice", catalog.Product{ID: "pro", PriceCents: 499, Currency: "usd"})
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if raw.TransactionID != "pi_1" || raw.Data != "pi_1" || raw.Provider != ProviderName {
		t.Fatalf("unexpected receipt %+v", raw)
	}
	params := api.created[0]
	if params.Metadata[metaProductID] != "pro" || params.Metadata[metaUserID] != "alice" {
		t.Fatalf("missing metadata %v", params.Metadata)
	}
	if params.Customer == nil || *params.Customer != "alice" {
		t.Fatal("default resolver should use the principal as customer")
	}
}

func TestPayErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		api  *fakeIntents
		want error
	}{
		{"card declined", &fakeIntents{newErr: &stripeapi.Error{Type: stripeapi.ErrorTypeCard, Msg: "declined"}}, payment.ErrCancelled},
		{"stripe outage", &fakeIntents{newErr: &stripeapi.Error{HTTPStatusCode: 503}}, payment.ErrStoreProblem},
		{"requires action", &fakeIntents{newPI: &stripeapi.PaymentIntent{ID: "pi_2", Status: stripeapi.PaymentIntentStatusRequiresAction}}, payment.ErrCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(config.StripeConfig{}, WithIntentAPI(tt.api))
			_, err := c.Pay(context.Background(), "alice", catalog.Product{ID: "pro", PriceCents: 100})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	c := NewClient(config.StripeConfig{}, WithIntentAPI(&fakeIntents{newErr: errors.New("dial tcp: timeout")}))
	_, err := c.Pay(context.Background(), "alice", catalog.Product{ID: "pro", PriceCents: 100})
	if err == nil || errors.Is(err, payment.ErrCancelled) || errors.Is(err, payment.ErrStoreProblem) {
		t.Fatalf("transport error should stay unclassified, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	pending := succeeded("pi_pending", "alice", "pro")
	pending.Status = stripeapi.PaymentIntentStatusProcessing
	api := &fakeIntents{byID: map[string]*stripeapi.PaymentIntent{
		"pi_ok":      succeeded("pi_ok", "alice", "pro"),
		"pi_pending": pending,
	}}
	c := NewClient(config.StripeConfig{}, WithIntentAPI(api))
	ctx := context.Background()

	got, err := c.Verify(ctx, receipt.Raw{TransactionID: "pi_ok", ProductID: "pro", Data: "pi_ok"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.UserID != "alice" || got.PriceCents != 499 {
		t.Fatalf("unexpected verified receipt %+v", got)
	}

	invalid := []receipt.Raw{
		{TransactionID: "pi_missing", Data: "pi_missing"},
		{TransactionID: "pi_pending", Data: "pi_pending"},
		{TransactionID: "pi_ok", ProductID: "max", Data: "pi_ok"},
		{TransactionID: "pi_other", Data: "pi_ok"},
	}
	for _, r := range invalid {
		if _, err := c.Verify(ctx, r); !errors.Is(err, receipt.ErrInvalidReceipt) {
			t.Errorf("Verify(%+v) expected ErrInvalidReceipt, got %v", r, err)
		}
	}

	api.getErr = errors.New("connection reset")
	if _, err := c.Verify(ctx, receipt.Raw{TransactionID: "pi_ok", Data: "pi_ok"}); err == nil || errors.Is(err, receipt.ErrInvalidReceipt) {
		t.Fatalf("transport error must not be reported as invalid, got %v", err)
	}
}

func TestListHistoricalReceiptsSkipsForeignIntents(t *testing.T) {
	foreign := &stripeapi.PaymentIntent{ID: "pi_foreign", Status: stripeapi.PaymentIntentStatusSucceeded}
	api := &fakeIntents{list: []*stripeapi.PaymentIntent{succeeded("pi_1", "alice", "pro"), foreign, nil}}
	c := NewClient(config.StripeConfig{}, WithIntentAPI(api))

	got, err := c.ListHistoricalReceipts(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListHistoricalReceipts: %v", err)
	}
	if len(got) != 2 || got[0].TransactionID != "pi_1" || got[1] != nil {
		t.Fatalf("unexpected receipts %+v", got)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "eur"); got != "eur" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Fatalf("firstNonEmpty() = %q", got)
	}
}
