package dbpool

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/CedrosPay/entitlements/internal/config"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// SharedPool is one PostgreSQL pool shared by the purchase store and the catalog.
type SharedPool struct {
	db *sql.DB
}

// Required reports whether any configured component reads from Postgres.
func Required(cfg *config.Config) bool {
	return cfg.Storage.Backend == "postgres" || cfg.Catalog.Source == "postgres"
}

// Open connects to Postgres and applies the configured pool limits.
func Open(ctx context.Context, cfg config.StorageConfig) (*SharedPool, error) {
	if cfg.PostgresURL == "" {
		return nil, fmt.Errorf("dbpool: postgres_url is empty")
	}
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, cfg.PostgresPool)
	return &SharedPool{db: db}, nil
}

// DB returns the pool. Nil-safe so callers can pass it straight to NewXWithDB.
func (p *SharedPool) DB() *sql.DB {
	if p == nil {
		return nil
	}
	return p.db
}

// Close closes the pool. Only the owner of the pool should call it.
func (p *SharedPool) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
