package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps the read-write PostgreSQL pool used by the key pool's
// locking transaction path.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection pool.
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// NewReadOnly creates the pool backing reporting queries. Every session
// carries a statement timeout so a slow analytic query cannot hold a
// connection hostage, and the pool is kept small so reporting load never
// starves the allocator's fast path.
func NewReadOnly(databaseURL string, statementTimeout time.Duration) (*DB, error) {
	dsn, err := withStatementTimeout(databaseURL, statementTimeout)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// withStatementTimeout sets statement_timeout as a session startup option
// so it applies to every connection in the pool, not just one session.
func withStatementTimeout(databaseURL string, timeout time.Duration) (string, error) {
	ms := timeout.Milliseconds()
	if ms <= 0 {
		ms = 5000
	}

	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid database URL: %w", err)
	}

	q := u.Query()
	q.Set("options", fmt.Sprintf("-c statement_timeout=%d", ms))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Conn exposes the underlying pool to the store implementations.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}
