package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/lib/pq"
)

const (
	defaultProductsTable = "catalog_products"
	defaultFeaturesTable = "catalog_features"
	defaultQueryTimeout  = 5 * time.Second
	maxIDLength          = 255
)

var validTableNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func validateTableName(name string) error {
	if !validTableNameRegex.MatchString(name) {
		return fmt.Errorf("invalid table name: %s (must be alphanumeric with underscores only)", name)
	}
	return nil
}

func validateID(kind, id string) error {
	if len(id) == 0 || len(id) > maxIDLength {
		return fmt.Errorf("invalid %s ID length: must be between 1 and %d characters", kind, maxIDLength)
	}
	return nil
}

// withQueryTimeout adds a timeout to the context if not already set.
func withQueryTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// PostgresRepository reads the catalog from two tables. The engine never
// writes to them; they are managed by whoever owns the product catalog.
type PostgresRepository struct {
	db            *sql.DB
	ownsDB        bool
	metrics       *metrics.Metrics
	productsTable string
	featuresTable string
	queryTimeout  time.Duration
}

// NewPostgresRepository opens its own pool and bootstraps the catalog tables.
func NewPostgresRepository(connectionString string, poolConfig config.PostgresPoolConfig, productsTable, featuresTable string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)

	repo, err := newPostgresRepository(db, productsTable, featuresTable)
	if err != nil {
		db.Close()
		return nil, err
	}
	repo.ownsDB = true
	return repo, nil
}

// NewPostgresRepositoryWithDB uses a shared pool. Close leaves the pool open.
func NewPostgresRepositoryWithDB(db *sql.DB, productsTable, featuresTable string) (*PostgresRepository, error) {
	return newPostgresRepository(db, productsTable, featuresTable)
}

func newPostgresRepository(db *sql.DB, productsTable, featuresTable string) (*PostgresRepository, error) {
	if productsTable == "" {
		productsTable = defaultProductsTable
	}
	if featuresTable == "" {
		featuresTable = defaultFeaturesTable
	}
	for _, name := range []string{productsTable, featuresTable} {
		if err := validateTableName(name); err != nil {
			return nil, err
		}
	}
	repo := &PostgresRepository{
		db:            db,
		productsTable: productsTable,
		featuresTable: featuresTable,
		queryTimeout:  defaultQueryTimeout,
	}
	if err := repo.createTables(); err != nil {
		return nil, err
	}
	return repo, nil
}

// WithQueryTimeout overrides the per-query deadline.
func (r *PostgresRepository) WithQueryTimeout(d time.Duration) *PostgresRepository {
	if d > 0 {
		r.queryTimeout = d
	}
	return r
}

// WithMetrics adds metrics collection to the repository.
func (r *PostgresRepository) WithMetrics(m *metrics.Metrics) *PostgresRepository {
	r.metrics = m
	return r
}

func (r *PostgresRepository) createTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			price_cents BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'usd',
			stripe_price_id TEXT NOT NULL DEFAULT '',
			features TEXT[] NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			level TEXT NOT NULL DEFAULT 'premium',
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			required_product_id TEXT NOT NULL DEFAULT ''
		);
	`, pq.QuoteIdentifier(r.productsTable), pq.QuoteIdentifier(r.featuresTable))

	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("create catalog tables: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) productColumns() string {
	return fmt.Sprintf(`SELECT id, name, price_cents, currency, stripe_price_id, features FROM %s`,
		pq.QuoteIdentifier(r.productsTable))
}

func (r *PostgresRepository) featureColumns() string {
	return fmt.Sprintf(`SELECT id, level, name, description, required_product_id FROM %s`,
		pq.QuoteIdentifier(r.featuresTable))
}

func scanProduct(row rowScanner) (Product, error) {
	var (
		p        Product
		features pq.StringArray
	)
	if err := row.Scan(&p.ID, &p.Name, &p.PriceCents, &p.Currency, &p.StripePriceID, &features); err != nil {
		return Product{}, err
	}
	p.Features = []string(features)
	return p, nil
}

func scanFeature(row rowScanner) (Feature, error) {
	var (
		f     Feature
		level string
	)
	if err := row.Scan(&f.ID, &level, &f.Name, &f.Description, &f.RequiredProductID); err != nil {
		return Feature{}, err
	}
	f.Level = Level(level)
	if !f.Level.Valid() {
		f.Level = LevelPremium
	}
	return f, nil
}

// GetProduct retrieves an active product by ID.
func (r *PostgresRepository) GetProduct(ctx context.Context, id string) (Product, error) {
	defer metrics.MeasureDBQuery(r.metrics, "get_product", "postgres")()
	if err := validateID("product", id); err != nil {
		return Product{}, err
	}
	ctx, cancel := withQueryTimeout(ctx, r.queryTimeout)
	defer cancel()

	p, err := scanProduct(r.db.QueryRowContext(ctx, r.productColumns()+` WHERE id = $1 AND active = TRUE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

// GetProductByStripePriceID retrieves an active product by its Stripe Price ID.
func (r *PostgresRepository) GetProductByStripePriceID(ctx context.Context, stripePriceID string) (Product, error) {
	defer metrics.MeasureDBQuery(r.metrics, "get_product_by_stripe_price_id", "postgres")()
	if err := validateID("stripe price", stripePriceID); err != nil {
		return Product{}, err
	}
	ctx, cancel := withQueryTimeout(ctx, r.queryTimeout)
	defer cancel()

	query := r.productColumns() + ` WHERE stripe_price_id = $1 AND active = TRUE LIMIT 1`
	p, err := scanProduct(r.db.QueryRowContext(ctx, query, stripePriceID))
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("query product by stripe price id: %w", err)
	}
	return p, nil
}

// ListProducts returns all active products ordered by ID.
func (r *PostgresRepository) ListProducts(ctx context.Context) ([]Product, error) {
	defer metrics.MeasureDBQuery(r.metrics, "list_products", "postgres")()
	ctx, cancel := withQueryTimeout(ctx, r.queryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, r.productColumns()+` WHERE active = TRUE ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

// GetFeature retrieves a feature by ID.
func (r *PostgresRepository) GetFeature(ctx context.Context, id string) (Feature, error) {
	defer metrics.MeasureDBQuery(r.metrics, "get_feature", "postgres")()
	if err := validateID("feature", id); err != nil {
		return Feature{}, err
	}
	ctx, cancel := withQueryTimeout(ctx, r.queryTimeout)
	defer cancel()

	f, err := scanFeature(r.db.QueryRowContext(ctx, r.featureColumns()+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Feature{}, ErrFeatureNotFound
	}
	if err != nil {
		return Feature{}, fmt.Errorf("query feature: %w", err)
	}
	return f, nil
}

// ListFeatures returns all features ordered by ID.
func (r *PostgresRepository) ListFeatures(ctx context.Context) ([]Feature, error) {
	defer metrics.MeasureDBQuery(r.metrics, "list_features", "postgres")()
	ctx, cancel := withQueryTimeout(ctx, r.queryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, r.featureColumns()+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query features: %w", err)
	}
	defer rows.Close()

	var features []Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate features: %w", err)
	}
	return features, nil
}

// Close closes the pool if this repository opened it.
func (r *PostgresRepository) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}
