package receipt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Claims is the signed body of a sandbox receipt.
type Claims struct {
	TransactionID string `json:"txId"`
	UserID        string `json:"userId"`
	ProductID     string `json:"productId"`
	PriceCents    int64  `json:"priceCents"`
	Currency      string `json:"currency"`
	IssuedAt      int64  `json:"iat"`
	Signer        string `json:"signer"`
}

// Sign encodes claims as "<base64url(json)>.<base58 ed25519 signature>".
func Sign(key solana.PrivateKey, c Claims) (string, error) {
	c.Signer = key.PublicKey().String()
	body, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal receipt claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	sig, err := key.Sign([]byte(payload))
	if err != nil {
		return "", fmt.Errorf("sign receipt: %w", err)
	}
	return payload + "." + sig.String(), nil
}

// SignatureVerifier checks ed25519-signed receipts against a set of trusted signers.
type SignatureVerifier struct {
	trusted map[solana.PublicKey]struct{}
	maxAge  time.Duration
	now     func() time.Time
}

// NewSignatureVerifier parses base58 public keys. maxAge of zero disables the
// freshness check.
func NewSignatureVerifier(trustedSigners []string, maxAge time.Duration) (*SignatureVerifier, error) {
	v := &SignatureVerifier{
		trusted: make(map[solana.PublicKey]struct{}, len(trustedSigners)),
		maxAge:  maxAge,
		now:     time.Now,
	}
	for _, s := range trustedSigners {
		pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted signer %q: %w", s, err)
		}
		v.trusted[pk] = struct{}{}
	}
	return v, nil
}

// Trust adds a signer at runtime.
func (v *SignatureVerifier) Trust(pk solana.PublicKey) {
	v.trusted[pk] = struct{}{}
}

// Verify implements Verifier.
func (v *SignatureVerifier) Verify(ctx context.Context, r Raw) (Verified, error) {
	if err := ctx.Err(); err != nil {
		return Verified{}, err
	}
	payload, sigText, ok := strings.Cut(r.Data, ".")
	if !ok || payload == "" || sigText == "" {
		return Verified{}, Invalid("malformed envelope")
	}
	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Verified{}, Invalid("payload encoding")
	}
	var c Claims
	if err := json.Unmarshal(body, &c); err != nil {
		return Verified{}, Invalid("payload json")
	}

	signer, err := solana.PublicKeyFromBase58(c.Signer)
	if err != nil {
		return Verified{}, Invalid("signer address")
	}
	sig, err := solana.SignatureFromBase58(sigText)
	if err != nil {
		return Verified{}, Invalid("signature encoding")
	}
	// Check the signature before the signer identity.
	if !sig.Verify(signer, []byte(payload)) {
		return Verified{}, Invalid("signature mismatch")
	}
	if _, ok := v.trusted[signer]; !ok {
		return Verified{}, Invalid("untrusted signer")
	}

	if c.TransactionID != r.TransactionID {
		return Verified{}, Invalid("transaction id mismatch")
	}
	if r.ProductID != "" && c.ProductID != r.ProductID {
		return Verified{}, Invalid("product id mismatch")
	}
	issued := time.Unix(c.IssuedAt, 0).UTC()
	now := v.now().UTC()
	out := Verified{
		TransactionID: c.TransactionID,
		UserID:        c.UserID,
		ProductID:     c.ProductID,
		PurchasedAt:   issued,
		PriceCents:    c.PriceCents,
		Currency:      c.Currency,
		VerifiedAt:    now,
	}
	if v.maxAge > 0 && now.Sub(issued) > v.maxAge {
		return out, fmt.Errorf("%w: issued %s", ErrReceiptExpired, issued.Format(time.RFC3339))
	}
	return out, nil
}
