package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Source records how a purchase reached the store.
type Source string

const (
	SourcePurchase Source = "purchase"
	SourceRestore  Source = "restore"
)

// Purchase is the durable record of one verified (or once-verified) transaction.
type Purchase struct {
	TransactionID    string     `json:"transactionId"`
	UserID           string     `json:"userId"`
	ProductID        string     `json:"productId"`
	PurchasedAt      time.Time  `json:"purchasedAt"`
	PriceCents       int64      `json:"priceCents"`
	CurrencyCode     string     `json:"currencyCode"`
	IsVerified       bool       `json:"isVerified"`
	IsSynced         bool       `json:"isSynced"`
	SyncedAt         *time.Time `json:"syncedAt,omitempty"`
	UnlockedFeatures []string   `json:"unlockedFeatures"`
	VerifiedAt       *time.Time `json:"verifiedAt,omitempty"`
	Source           Source     `json:"source"`
}

// Normalize returns a copy with unlocked features cleared unless verified,
// deduplicated and sorted otherwise. Times are converted to UTC.
func (p Purchase) Normalize() Purchase {
	out := p
	out.PurchasedAt = p.PurchasedAt.UTC()
	out.SyncedAt = utcPtr(p.SyncedAt)
	out.VerifiedAt = utcPtr(p.VerifiedAt)
	if !p.IsVerified {
		out.UnlockedFeatures = []string{}
		out.VerifiedAt = nil
		return out
	}
	seen := make(map[string]struct{}, len(p.UnlockedFeatures))
	features := make([]string, 0, len(p.UnlockedFeatures))
	for _, f := range p.UnlockedFeatures {
		if _, dup := seen[f]; dup || f == "" {
			continue
		}
		seen[f] = struct{}{}
		features = append(features, f)
	}
	sort.Strings(features)
	out.UnlockedFeatures = features
	return out
}

// Validate checks required identifiers.
func (p Purchase) Validate() error {
	switch {
	case strings.TrimSpace(p.TransactionID) == "":
		return fmt.Errorf("purchase requires transaction id")
	case strings.TrimSpace(p.UserID) == "":
		return fmt.Errorf("purchase %s requires user id", p.TransactionID)
	case strings.TrimSpace(p.ProductID) == "":
		return fmt.Errorf("purchase %s requires product id", p.TransactionID)
	}
	return nil
}

// Unlocks reports whether the record grants featureID, either by listing it
// or by being a verified purchase of requiredProductID.
func (p Purchase) Unlocks(featureID, requiredProductID string) bool {
	if !p.IsVerified {
		return false
	}
	if requiredProductID != "" && p.ProductID == requiredProductID {
		return true
	}
	for _, f := range p.UnlockedFeatures {
		if f == featureID {
			return true
		}
	}
	return false
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
