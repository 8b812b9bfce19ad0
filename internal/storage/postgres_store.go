package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/lib/pq"
)

const defaultPostgresTable = "purchases"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db           *sql.DB
	ownsDB       bool
	tableName    string
	queryTimeout time.Duration
	metrics      *metrics.Metrics
}

// NewPostgresStore opens a connection pool and bootstraps the purchases table.
func NewPostgresStore(connectionString, tableName string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := newPostgresStore(db, tableName)
	store.ownsDB = true
	if err := store.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB uses an existing pool, which the caller keeps ownership of.
func NewPostgresStoreWithDB(db *sql.DB, tableName string) (*PostgresStore, error) {
	store := newPostgresStore(db, tableName)
	if err := store.createTable(); err != nil {
		return nil, err
	}
	return store, nil
}

func newPostgresStore(db *sql.DB, tableName string) *PostgresStore {
	if tableName == "" {
		tableName = defaultPostgresTable
	}
	return &PostgresStore{db: db, tableName: tableName, queryTimeout: DefaultQueryTimeout}
}

// WithQueryTimeout overrides the per-query deadline.
func (s *PostgresStore) WithQueryTimeout(d time.Duration) *PostgresStore {
	if d > 0 {
		s.queryTimeout = d
	}
	return s
}

// WithMetrics enables query timing.
func (s *PostgresStore) WithMetrics(m *metrics.Metrics) *PostgresStore {
	s.metrics = m
	return s
}

func (s *PostgresStore) createTable() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			transaction_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			purchased_at TIMESTAMPTZ NOT NULL,
			price_cents BIGINT NOT NULL DEFAULT 0,
			currency_code TEXT NOT NULL DEFAULT '',
			is_verified BOOLEAN NOT NULL DEFAULT FALSE,
			is_synced BOOLEAN NOT NULL DEFAULT FALSE,
			synced_at TIMESTAMPTZ,
			unlocked_features TEXT[] NOT NULL DEFAULT '{}',
			verified_at TIMESTAMPTZ,
			source TEXT NOT NULL DEFAULT 'purchase'
		);

		CREATE INDEX IF NOT EXISTS idx_%[1]s_user_id ON %[1]s(user_id, purchased_at);
	`, s.tableName)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create %s table: %w", s.tableName, err)
	}
	return nil
}

// InsertOrUpdatePurchase upserts by transaction id.
func (s *PostgresStore) InsertOrUpdatePurchase(ctx context.Context, p Purchase) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p = p.Normalize()

	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "upsert_purchase", "postgres")()

	query := fmt.Sprintf(`
		INSERT INTO %s (transaction_id, user_id, product_id, purchased_at, price_cents, currency_code,
			is_verified, is_synced, synced_at, unlocked_features, verified_at, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (transaction_id) DO UPDATE
		SET user_id           = EXCLUDED.user_id,
		    product_id        = EXCLUDED.product_id,
		    purchased_at      = EXCLUDED.purchased_at,
		    price_cents       = EXCLUDED.price_cents,
		    currency_code     = EXCLUDED.currency_code,
		    is_verified       = EXCLUDED.is_verified,
		    is_synced         = EXCLUDED.is_synced,
		    synced_at         = EXCLUDED.synced_at,
		    unlocked_features = EXCLUDED.unlocked_features,
		    verified_at       = EXCLUDED.verified_at,
		    source            = EXCLUDED.source
	`, s.tableName)

	_, err := s.db.ExecContext(ctx, query,
		p.TransactionID,
		p.UserID,
		p.ProductID,
		p.PurchasedAt,
		p.PriceCents,
		p.CurrencyCode,
		p.IsVerified,
		p.IsSynced,
		p.SyncedAt,
		pq.Array(p.UnlockedFeatures),
		p.VerifiedAt,
		string(p.Source),
	)
	if err != nil {
		return fmt.Errorf("upsert purchase: %w", err)
	}
	return nil
}

const purchaseColumns = `transaction_id, user_id, product_id, purchased_at, price_cents, currency_code,
	is_verified, is_synced, synced_at, unlocked_features, verified_at, source`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPurchase(row rowScanner) (Purchase, error) {
	var (
		p        Purchase
		features pq.StringArray
		syncedAt sql.NullTime
		verified sql.NullTime
		source   string
	)
	err := row.Scan(
		&p.TransactionID,
		&p.UserID,
		&p.ProductID,
		&p.PurchasedAt,
		&p.PriceCents,
		&p.CurrencyCode,
		&p.IsVerified,
		&p.IsSynced,
		&syncedAt,
		&features,
		&verified,
		&source,
	)
	if err != nil {
		return Purchase{}, err
	}
	p.UnlockedFeatures = []string(features)
	if p.UnlockedFeatures == nil {
		p.UnlockedFeatures = []string{}
	}
	if syncedAt.Valid {
		p.SyncedAt = ptrTime(syncedAt.Time.UTC())
	}
	if verified.Valid {
		p.VerifiedAt = ptrTime(verified.Time.UTC())
	}
	p.PurchasedAt = p.PurchasedAt.UTC()
	p.Source = Source(source)
	return p, nil
}

// GetPurchase returns the record or ErrNotFound.
func (s *PostgresStore) GetPurchase(ctx context.Context, txID string) (Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_purchase", "postgres")()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE transaction_id = $1`, purchaseColumns, s.tableName)
	p, err := scanPurchase(s.db.QueryRowContext(ctx, query, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return Purchase{}, ErrNotFound
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("query purchase: %w", err)
	}
	return p, nil
}

// GetAllPurchases returns the user's records ordered by purchase time.
func (s *PostgresStore) GetAllPurchases(ctx context.Context, userID string) ([]Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "list_purchases", "postgres")()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 ORDER BY purchased_at ASC, transaction_id ASC`,
		purchaseColumns, s.tableName)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	defer rows.Close()

	out := []Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}
	return out, nil
}

// DeletePurchase removes the record or returns ErrNotFound.
func (s *PostgresStore) DeletePurchase(ctx context.Context, txID string) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "delete_purchase", "postgres")()

	query := fmt.Sprintf(`DELETE FROM %s WHERE transaction_id = $1`, s.tableName)
	result, err := s.db.ExecContext(ctx, query, txID)
	if err != nil {
		return fmt.Errorf("delete purchase: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the pool only when the store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
