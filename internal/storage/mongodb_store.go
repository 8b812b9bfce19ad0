package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/entitlements/internal/metrics"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultMongoCollection = "purchases"

// MongoDBStore implements Store using MongoDB. Documents are keyed by transaction id.
type MongoDBStore struct {
	client       *mongo.Client
	purchases    *mongo.Collection
	queryTimeout time.Duration
	metrics      *metrics.Metrics
}

// mongoPurchase is the document layout; field names are stable snake_case.
type mongoPurchase struct {
	TransactionID    string     `bson:"_id"`
	UserID           string     `bson:"user_id"`
	ProductID        string     `bson:"product_id"`
	PurchasedAt      time.Time  `bson:"purchased_at"`
	PriceCents       int64      `bson:"price_cents"`
	CurrencyCode     string     `bson:"currency_code"`
	IsVerified       bool       `bson:"is_verified"`
	IsSynced         bool       `bson:"is_synced"`
	SyncedAt         *time.Time `bson:"synced_at,omitempty"`
	UnlockedFeatures []string   `bson:"unlocked_features"`
	VerifiedAt       *time.Time `bson:"verified_at,omitempty"`
	Source           string     `bson:"source"`
}

// NewMongoDBStore connects, pings and creates indexes.
func NewMongoDBStore(connectionString, database, collection string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	if collection == "" {
		collection = defaultMongoCollection
	}
	store := &MongoDBStore{
		client:       client,
		purchases:    client.Database(database).Collection(collection),
		queryTimeout: DefaultQueryTimeout,
	}
	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// WithQueryTimeout overrides the per-query deadline.
func (s *MongoDBStore) WithQueryTimeout(d time.Duration) *MongoDBStore {
	if d > 0 {
		s.queryTimeout = d
	}
	return s
}

// WithMetrics enables query timing.
func (s *MongoDBStore) WithMetrics(m *metrics.Metrics) *MongoDBStore {
	s.metrics = m
	return s
}

func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.purchases.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "purchased_at", Value: 1}}},
		{Keys: bson.D{{Key: "product_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create purchases indexes: %w", err)
	}
	return nil
}

// InsertOrUpdatePurchase upserts by transaction id.
func (s *MongoDBStore) InsertOrUpdatePurchase(ctx context.Context, p Purchase) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p = p.Normalize()

	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "upsert_purchase", "mongodb")()

	doc := toMongoPurchase(p)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.purchases.ReplaceOne(ctx, bson.M{"_id": doc.TransactionID}, doc, opts); err != nil {
		return fmt.Errorf("upsert purchase: %w", err)
	}
	return nil
}

// GetPurchase returns the record or ErrNotFound.
func (s *MongoDBStore) GetPurchase(ctx context.Context, txID string) (Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_purchase", "mongodb")()

	var doc mongoPurchase
	err := s.purchases.FindOne(ctx, bson.M{"_id": txID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Purchase{}, ErrNotFound
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("find purchase: %w", err)
	}
	return fromMongoPurchase(doc), nil
}

// GetAllPurchases returns the user's records ordered by purchase time.
func (s *MongoDBStore) GetAllPurchases(ctx context.Context, userID string) ([]Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "list_purchases", "mongodb")()

	opts := options.Find().SetSort(bson.D{{Key: "purchased_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.purchases.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find purchases: %w", err)
	}
	defer cursor.Close(ctx)

	out := []Purchase{}
	for cursor.Next(ctx) {
		var doc mongoPurchase
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode purchase: %w", err)
		}
		out = append(out, fromMongoPurchase(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}
	return out, nil
}

// DeletePurchase removes the record or returns ErrNotFound.
func (s *MongoDBStore) DeletePurchase(ctx context.Context, txID string) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "delete_purchase", "mongodb")()

	res, err := s.purchases.DeleteOne(ctx, bson.M{"_id": txID})
	if err != nil {
		return fmt.Errorf("delete purchase: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Close disconnects the client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toMongoPurchase(p Purchase) mongoPurchase {
	return mongoPurchase{
		TransactionID:    p.TransactionID,
		UserID:           p.UserID,
		ProductID:        p.ProductID,
		PurchasedAt:      p.PurchasedAt,
		PriceCents:       p.PriceCents,
		CurrencyCode:     p.CurrencyCode,
		IsVerified:       p.IsVerified,
		IsSynced:         p.IsSynced,
		SyncedAt:         p.SyncedAt,
		UnlockedFeatures: p.UnlockedFeatures,
		VerifiedAt:       p.VerifiedAt,
		Source:           string(p.Source),
	}
}

func fromMongoPurchase(doc mongoPurchase) Purchase {
	p := Purchase{
		TransactionID:    doc.TransactionID,
		UserID:           doc.UserID,
		ProductID:        doc.ProductID,
		PurchasedAt:      doc.PurchasedAt.UTC(),
		PriceCents:       doc.PriceCents,
		CurrencyCode:     doc.CurrencyCode,
		IsVerified:       doc.IsVerified,
		IsSynced:         doc.IsSynced,
		SyncedAt:         utcPtr(doc.SyncedAt),
		UnlockedFeatures: doc.UnlockedFeatures,
		VerifiedAt:       utcPtr(doc.VerifiedAt),
		Source:           Source(doc.Source),
	}
	if p.UnlockedFeatures == nil {
		p.UnlockedFeatures = []string{}
	}
	return p
}
