package receipt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
)

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("NewRandomPrivateKey: %v", err)
	}
	return key
}

func signedRaw(t *testing.T, key solana.PrivateKey, issued time.Time) Raw {
	t.Helper()
	data, err := Sign(key, Claims{
		TransactionID: "txn_001",
		UserID:        "alice",
		ProductID:     "pro",
		PriceCents:    499,
		Currency:      "usd",
		IssuedAt:      issued.Unix(),
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return Raw{TransactionID: "txn_001", ProductID: "pro", Provider: "sandbox", Data: data}
}

func TestSignatureVerifierAcceptsTrustedReceipt(t *testing.T) {
	key := newKey(t)
	v, err := NewSignatureVerifier([]string{key.PublicKey().String()}, time.Hour)
	if err != nil {
		t.Fatalf("NewSignatureVerifier: %v", err)
	}
	issued := time.Now().Add(-time.Minute)

	got, err := v.Verify(context.Background(), signedRaw(t, key, issued))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.UserID != "alice" || got.PriceCents != 499 || got.PurchasedAt.Unix() != issued.Unix() {
		t.Fatalf("unexpected verified receipt %+v", got)
	}
}

func TestSignatureVerifierRejects(t *testing.T) {
	trusted := newKey(t)
	stranger := newKey(t)
	v, _ := NewSignatureVerifier([]string{trusted.PublicKey().String()}, time.Hour)
	now := time.Now()

	tampered := signedRaw(t, trusted, now)
	payload, sig, _ := strings.Cut(tampered.Data, ".")
	tampered.Data = payload + "x." + sig

	wrongTx := signedRaw(t, trusted, now)
	wrongTx.TransactionID = "txn_002"

	tests := []struct {
		name string
		raw  Raw
	}{
		{"untrusted signer", signedRaw(t, stranger, now)},
		{"tampered payload", tampered},
		{"transaction mismatch", wrongTx},
		{"garbage", Raw{TransactionID: "txn_001", Data: "not-a-receipt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.raw)
			if !errors.Is(err, ErrInvalidReceipt) {
				t.Fatalf("expected ErrInvalidReceipt, got %v", err)
			}
		})
	}
}

func TestSignatureVerifierExpiredReceiptKeepsClaims(t *testing.T) {
	key := newKey(t)
	v, _ := NewSignatureVerifier([]string{key.PublicKey().String()}, time.Hour)
	issued := time.Now().Add(-48 * time.Hour)

	got, err := v.Verify(context.Background(), signedRaw(t, key, issued))
	if !errors.Is(err, ErrReceiptExpired) {
		t.Fatalf("expected ErrReceiptExpired, got %v", err)
	}
	if errors.Is(err, ErrInvalidReceipt) {
		t.Fatal("an expired receipt is genuine and must not read as invalid")
	}
	if got.TransactionID != "txn_001" || got.UserID != "alice" || got.PurchasedAt.Unix() != issued.Unix() {
		t.Fatalf("expected decoded claims with the expiry error, got %+v", got)
	}
}

func TestNewSignatureVerifierRejectsBadKey(t *testing.T) {
	if _, err := NewSignatureVerifier([]string{"not-base58-!!"}, 0); err == nil {
		t.Fatal("expected error for invalid signer")
	}
}

func TestRouterUnknownProviderIsInvalid(t *testing.T) {
	_, err := NewRouter().Verify(context.Background(), Raw{Provider: "apple"})
	if !errors.Is(err, ErrInvalidReceipt) {
		t.Fatalf("expected ErrInvalidReceipt, got %v", err)
	}
}

func TestRawComplete(t *testing.T) {
	var nilRaw *Raw
	if nilRaw.Complete() {
		t.Fatal("nil receipt cannot be complete")
	}
	if (&Raw{TransactionID: "t", ProductID: "p"}).Complete() {
		t.Fatal("receipt without data cannot be complete")
	}
	if !(&Raw{TransactionID: "t", ProductID: "p", Data: "d"}).Complete() {
		t.Fatal("expected complete receipt")
	}
}
