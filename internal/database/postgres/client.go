// Package postgres stores miners, accepted shares and found blocks in
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	// URL is a postgres:// connection URL. It takes precedence over the
	// individual fields.
	URL          string
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DSN returns the connection string for lib/pq.
func (c *Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, sslMode)
}

// NewClient opens and pings a PostgreSQL connection pool
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Migrate creates the pool tables if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// InTx runs fn in a transaction, committing when it returns nil.
func (c *Client) InTx(ctx context.Context, fn func(tx DBTX) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS miners (
		id           BIGSERIAL PRIMARY KEY,
		address      TEXT NOT NULL UNIQUE,
		created_at   TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS shares (
		id                UUID PRIMARY KEY,
		miner_id          BIGINT NOT NULL REFERENCES miners(id),
		worker            TEXT NOT NULL,
		job_id            TEXT NOT NULL,
		block_height      BIGINT NOT NULL,
		difficulty        DOUBLE PRECISION NOT NULL,
		actual_difficulty DOUBLE PRECISION NOT NULL,
		is_block_candidate BOOLEAN NOT NULL,
		nonce             TEXT NOT NULL,
		header_hash       TEXT NOT NULL,
		mix_digest        TEXT NOT NULL,
		ip_address        TEXT NOT NULL,
		user_agent        TEXT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS shares_miner_created_idx ON shares (miner_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		id                BIGSERIAL PRIMARY KEY,
		share_id          UUID NOT NULL UNIQUE,
		block_height      BIGINT NOT NULL,
		miner             TEXT NOT NULL,
		worker            TEXT NOT NULL,
		nonce             TEXT NOT NULL,
		header_hash       TEXT NOT NULL,
		mix_digest        TEXT NOT NULL,
		confirmation_data TEXT NOT NULL,
		difficulty        DOUBLE PRECISION NOT NULL,
		status            TEXT NOT NULL,
		error_message     TEXT NOT NULL DEFAULT '',
		found_at          TIMESTAMPTZ NOT NULL,
		submitted_at      TIMESTAMPTZ
	)`,
}
