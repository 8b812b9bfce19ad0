// Package events publishes purchase lifecycle events to downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypePurchaseCompleted = "purchase.completed"
	TypePurchasesRestored = "purchases.restored"
)

// PurchaseEvent is emitted once a verified purchase has been persisted.
// EventID is the idempotency key consumers should deduplicate on.
type PurchaseEvent struct {
	EventID          string    `json:"eventId"`
	EventType        string    `json:"eventType"`
	EventTimestamp   time.Time `json:"eventTimestamp"`
	TransactionID    string    `json:"transactionId"`
	UserID           string    `json:"userId"`
	ProductID        string    `json:"productId"`
	Provider         string    `json:"provider"`
	PriceCents       int64     `json:"priceCents"`
	CurrencyCode     string    `json:"currencyCode"`
	UnlockedFeatures []string  `json:"unlockedFeatures"`
	PurchasedAt      time.Time `json:"purchasedAt"`
}

// RestoreEvent summarises one restore run.
type RestoreEvent struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`
	UserID         string    `json:"userId"`
	NewCount       int       `json:"newCount"`
	UpdatedCount   int       `json:"updatedCount"`
	UnchangedCount int       `json:"unchangedCount"`
}

// Notifier delivers events. Implementations must not block the caller on
// delivery failures; they log and move on.
type Notifier interface {
	PurchaseCompleted(ctx context.Context, event PurchaseEvent)
	PurchasesRestored(ctx context.Context, event RestoreEvent)
	Close() error
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) PurchaseCompleted(context.Context, PurchaseEvent) {}
func (NoopNotifier) PurchasesRestored(context.Context, RestoreEvent)  {}
func (NoopNotifier) Close() error                                     { return nil }

// newEventID returns "evt_" followed by a random UUID.
func newEventID() string {
	return "evt_" + uuid.NewString()
}

func stamp(id *string, typ *string, ts *time.Time, eventType string, now time.Time) {
	if *id == "" {
		*id = newEventID()
	}
	*typ = eventType
	if ts.IsZero() {
		*ts = now.UTC()
	}
}
