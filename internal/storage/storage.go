package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/metrics"
)

// ErrNotFound is returned when a requested purchase is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// Store persists purchase records. Implementations are safe for concurrent use.
type Store interface {
	// InsertOrUpdatePurchase upserts by transaction id. The record is normalized first.
	InsertOrUpdatePurchase(ctx context.Context, p Purchase) error
	GetPurchase(ctx context.Context, txID string) (Purchase, error)
	// GetAllPurchases returns the user's records ordered by PurchasedAt ascending.
	GetAllPurchases(ctx context.Context, userID string) ([]Purchase, error)
	DeletePurchase(ctx context.Context, txID string) error
	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend           string // "memory", "postgres", or "mongodb"
	PostgresURL       string
	PostgresTableName string
	PostgresPool      config.PostgresPoolConfig
	MongoDBURL        string
	MongoDBDatabase   string
	MongoDBCollection string
	QueryTimeout      time.Duration
	Metrics           *metrics.Metrics
}

// StoreConfigFrom maps the application config onto StoreConfig.
func StoreConfigFrom(cfg config.StorageConfig, m *metrics.Metrics) StoreConfig {
	return StoreConfig{
		Backend:           cfg.Backend,
		PostgresURL:       cfg.PostgresURL,
		PostgresTableName: cfg.PostgresTableName,
		PostgresPool:      cfg.PostgresPool,
		MongoDBURL:        cfg.MongoDBURL,
		MongoDBDatabase:   cfg.MongoDBDatabase,
		MongoDBCollection: cfg.MongoDBCollection,
		QueryTimeout:      cfg.QueryTimeout.Duration,
		Metrics:           m,
	}
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store with an optional shared Postgres pool. Pass nil
// to let the store open and own its connection.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		var (
			store *PostgresStore
			err   error
		)
		if sharedDB != nil {
			store, err = NewPostgresStoreWithDB(sharedDB, cfg.PostgresTableName)
		} else {
			if cfg.PostgresURL == "" {
				return nil, fmt.Errorf("postgres backend requires postgres_url")
			}
			store, err = NewPostgresStore(cfg.PostgresURL, cfg.PostgresTableName, cfg.PostgresPool)
		}
		if err != nil {
			return nil, err
		}
		return store.WithQueryTimeout(cfg.QueryTimeout).WithMetrics(cfg.Metrics), nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		store, err := NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase, cfg.MongoDBCollection)
		if err != nil {
			return nil, err
		}
		return store.WithQueryTimeout(cfg.QueryTimeout).WithMetrics(cfg.Metrics), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
