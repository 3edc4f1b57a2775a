// Package db opens the relay's Postgres connection and carries the one
// migration its own callers don't run themselves: the identity public-key
// registry table (internal/serverapi's MessageMeta and session-directory
// tables migrate themselves at construction, grounded on the same
// connection-pool conventions this package sets up).
package db

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// PostgresDB wraps the relay's connection pool to Postgres, the
// server-side metadata store for identity public keys, MessageMeta, and
// session directory rows — never plaintext (spec §1 Non-goals).
type PostgresDB struct {
	db *sql.DB
}

// NewPostgresDB opens a pooled connection and runs the identity-registry
// migration.
func NewPostgresDB(connStr string) (*PostgresDB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, err
	}

	if err := migrateIdentityRegistry(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &PostgresDB{db: conn}, nil
}

func migrateIdentityRegistry(conn *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS identity_key_registry (
	user_id UUID PRIMARY KEY,
	jwk JSONB NOT NULL,
	version INTEGER NOT NULL,
	key_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	previous_versions JSONB NOT NULL DEFAULT '[]'
);
`
	_, err := conn.Exec(schema)
	return err
}

// DB returns the underlying *sql.DB for the identity registry, MessageMeta,
// and session-directory stores to share a single connection pool.
func (p *PostgresDB) DB() *sql.DB {
	return p.db
}

// Close closes the connection pool.
func (p *PostgresDB) Close() error {
	return p.db.Close()
}
