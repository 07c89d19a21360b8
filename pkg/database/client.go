// Package database owns the PostgreSQL connection pool and schema
// migrations. Everything above it (scheduler, session store, events)
// works against plain database/sql; LISTEN/NOTIFY is the one consumer
// that needs the raw connection string.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
)

// Config holds the connection string and pool tuning.
type Config struct {
	// URL is a libpq/pgx connection string or URL.
	URL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client wraps the shared *sql.DB. Migrations run once at construction.
type Client struct {
	db  *sql.DB
	url string
}

// DB returns the underlying pool for queries and health checks.
func (c *Client) DB() *sql.DB {
	return c.db
}

// URL returns the connection string, for callers that need a dedicated
// non-pooled connection (the notification listener).
func (c *Client) URL() string {
	return c.url
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens the pool, verifies connectivity, and applies pending
// migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db, url: cfg.URL}, nil
}
