package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/paymentintent"

	"github.com/CedrosPay/entitlements/internal/catalog"
	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/payment"
	"github.com/CedrosPay/entitlements/internal/receipt"
)

// ProviderName tags receipts backed by Stripe payment intents.
const ProviderName = "stripe"

// Metadata keys written on every payment intent we create.
const (
	metaUserID    = "entitlements_user_id"
	metaProductID = "entitlements_product_id"
)

// IntentAPI is the subset of the Stripe PaymentIntent API we call.
type IntentAPI interface {
	New(params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
	Get(id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
	List(params *stripeapi.PaymentIntentListParams) ([]*stripeapi.PaymentIntent, error)
}

// CustomerResolver maps a principal to a Stripe customer ID.
type CustomerResolver func(ctx context.Context, userID string) (string, error)

// sdkIntents calls the package-level stripe-go functions.
type sdkIntents struct{}

func (sdkIntents) New(params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	return paymentintent.New(params)
}

func (sdkIntents) Get(id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	return paymentintent.Get(id, params)
}

func (sdkIntents) List(params *stripeapi.PaymentIntentListParams) ([]*stripeapi.PaymentIntent, error) {
	var out []*stripeapi.PaymentIntent
	iter := paymentintent.List(params)
	for iter.Next() {
		out = append(out, iter.PaymentIntent())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Client charges saved customer payment methods off-session and verifies the
// resulting payment intents. It implements payment.Provider and receipt.Verifier.
type Client struct {
	cfg      config.StripeConfig
	intents  IntentAPI
	customer CustomerResolver
	now      func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithIntentAPI replaces the stripe-go backed API, mainly for tests.
func WithIntentAPI(api IntentAPI) Option {
	return func(c *Client) { c.intents = api }
}

// WithCustomerResolver sets how principals map to Stripe customers. The
// default treats the principal ID as the customer ID.
func WithCustomerResolver(fn CustomerResolver) Option {
	return func(c *Client) { c.customer = fn }
}

// NewClient sets up stripe-go with the provided credentials.
func NewClient(cfg config.StripeConfig, opts ...Option) *Client {
	stripeapi.Key = cfg.SecretKey
	c := &Client{
		cfg:     cfg,
		intents: sdkIntents{},
		customer: func(_ context.Context, userID string) (string, error) {
			return userID, nil
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements payment.Provider.
func (c *Client) Name() string { return ProviderName }

// Pay confirms an off-session payment intent for product.
func (c *Client) Pay(ctx context.Context, userID string, product catalog.Product) (receipt.Raw, error) {
	customerID, err := c.customer(ctx, userID)
	if err != nil {
		return receipt.Raw{}, fmt.Errorf("stripe: resolve customer: %w", err)
	}
	if product.PriceCents <= 0 {
		return receipt.Raw{}, fmt.Errorf("stripe: product %s has no price", product.ID)
	}

	params := &stripeapi.PaymentIntentParams{
		Amount:     stripeapi.Int64(product.PriceCents),
		Currency:   stripeapi.String(firstNonEmpty(product.Currency, "usd")),
		Customer:   stripeapi.String(customerID),
		Confirm:    stripeapi.Bool(true),
		OffSession: stripeapi.Bool(true),
	}
	params.Context = ctx
	params.AddMetadata(metaUserID, userID)
	params.AddMetadata(metaProductID, product.ID)
	if product.StripePriceID != "" {
		params.AddMetadata("stripe_price_id", product.StripePriceID)
	}

	pi, err := c.intents.New(params)
	if err != nil {
		return receipt.Raw{}, classify(err)
	}
	switch pi.Status {
	case stripeapi.PaymentIntentStatusRequiresAction,
		stripeapi.PaymentIntentStatusRequiresPaymentMethod,
		stripeapi.PaymentIntentStatusCanceled:
		return receipt.Raw{}, fmt.Errorf("stripe: intent %s %s: %w", pi.ID, pi.Status, payment.ErrCancelled)
	}
	return c.toRaw(pi), nil
}

// ListHistoricalReceipts lists the customer's payment intents created by
// this service. Intents without our metadata are ignored.
func (c *Client) ListHistoricalReceipts(ctx context.Context, userID string) ([]*receipt.Raw, error) {
	customerID, err := c.customer(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("stripe: resolve customer: %w", err)
	}
	params := &stripeapi.PaymentIntentListParams{Customer: stripeapi.String(customerID)}
	params.Context = ctx

	intents, err := c.intents.List(params)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]*receipt.Raw, 0, len(intents))
	for _, pi := range intents {
		if pi == nil {
			out = append(out, nil)
			continue
		}
		if pi.Metadata[metaProductID] == "" {
			continue
		}
		raw := c.toRaw(pi)
		out = append(out, &raw)
	}
	return out, nil
}

// Verify re-reads the payment intent named by the receipt from Stripe.
func (c *Client) Verify(ctx context.Context, r receipt.Raw) (receipt.Verified, error) {
	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx
	pi, err := c.intents.Get(r.Data, params)
	if err != nil {
		var se *stripeapi.Error
		if errors.As(err, &se) && (se.HTTPStatusCode == http.StatusNotFound || se.Code == stripeapi.ErrorCodeResourceMissing) {
			return receipt.Verified{}, receipt.Invalid("payment intent not found")
		}
		return receipt.Verified{}, classify(err)
	}

	switch {
	case pi.ID != r.TransactionID:
		return receipt.Verified{}, receipt.Invalid("transaction id mismatch")
	case pi.Status != stripeapi.PaymentIntentStatusSucceeded:
		return receipt.Verified{}, receipt.Invalid("payment intent " + string(pi.Status))
	case pi.Metadata[metaProductID] == "":
		return receipt.Verified{}, receipt.Invalid("payment intent has no product")
	case r.ProductID != "" && pi.Metadata[metaProductID] != r.ProductID:
		return receipt.Verified{}, receipt.Invalid("product id mismatch")
	}

	return receipt.Verified{
		TransactionID: pi.ID,
		UserID:        pi.Metadata[metaUserID],
		ProductID:     pi.Metadata[metaProductID],
		PurchasedAt:   time.Unix(pi.Created, 0).UTC(),
		PriceCents:    pi.Amount,
		Currency:      string(pi.Currency),
		VerifiedAt:    c.now().UTC(),
	}, nil
}

func (c *Client) toRaw(pi *stripeapi.PaymentIntent) receipt.Raw {
	return receipt.Raw{
		TransactionID: pi.ID,
		UserID:        pi.Metadata[metaUserID],
		ProductID:     pi.Metadata[metaProductID],
		Provider:      ProviderName,
		Data:          pi.ID,
		PurchasedAt:   time.Unix(pi.Created, 0).UTC(),
		PriceCents:    pi.Amount,
		Currency:      string(pi.Currency),
	}
}

// classify maps stripe-go errors onto payment sentinels. Card declines count
// as the user not completing payment; Stripe-side 5xx and rate limits as a
// store problem; everything else is left as a transport error.
func classify(err error) error {
	var se *stripeapi.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("stripe: %w", err)
	}
	switch {
	case se.Type == stripeapi.ErrorTypeCard:
		return fmt.Errorf("stripe: %s: %w", se.Msg, payment.ErrCancelled)
	case se.HTTPStatusCode >= 500, se.HTTPStatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("stripe: %s: %w", se.Msg, payment.ErrStoreProblem)
	default:
		return fmt.Errorf("stripe: %w", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
