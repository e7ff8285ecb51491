// Package sqldb is the SQL implementation of the credential store. It
// owns the four-table schema and applies the secret codec on every
// write path so secret columns only ever hold ciphertext.
package sqldb

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/llm-tenant-gateway/internal/pkg/secret"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage/dialect"
)

// Store is a SQL implementation of storage.CredentialStore that
// supports multiple database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	codec   *secret.Codec
}

var _ storage.CredentialStore = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string

	// MaxOpenConns bounds the shared pool; 0 means the default of 20.
	MaxOpenConns int
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config, codec *secret.Codec) (*Store, error) {
	if codec == nil {
		return nil, fmt.Errorf("secret codec required")
	}

	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 20
	}
	db.SetMaxOpenConns(maxConns)

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d, codec: codec}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store (convenience for development and tests).
func NewSQLite(dbPath string, codec *secret.Codec) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath}, codec)
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
account_id TEXT PRIMARY KEY,
account_name TEXT NOT NULL UNIQUE,
credential_type TEXT NOT NULL,
provider TEXT NOT NULL,
api_key_ciphertext TEXT,
oauth_access_ciphertext TEXT,
oauth_refresh_ciphertext TEXT,
oauth_expires_at INTEGER,
oauth_scopes TEXT,
oauth_tier INTEGER NOT NULL DEFAULT 0,
oauth_invalid_grant INTEGER NOT NULL DEFAULT 0,
is_generated INTEGER NOT NULL DEFAULT 0,
key_hash TEXT,
is_active INTEGER NOT NULL DEFAULT 1,
revoked_at TIMESTAMP,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL,
last_used_at TIMESTAMP
)`,
		`CREATE TABLE IF NOT EXISTS tenants (
tenant_id TEXT PRIMARY KEY,
description TEXT,
default_account_id TEXT,
is_active INTEGER NOT NULL DEFAULT 1,
config TEXT,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS tenant_client_keys (
key_id TEXT PRIMARY KEY,
tenant_id TEXT NOT NULL,
token_hash TEXT NOT NULL UNIQUE,
key_prefix TEXT NOT NULL,
label TEXT,
created_by TEXT NOT NULL,
created_at TIMESTAMP NOT NULL,
last_used_at TIMESTAMP,
revoked_at TIMESTAMP,
FOREIGN KEY (tenant_id) REFERENCES tenants(tenant_id)
)`,
		`CREATE TABLE IF NOT EXISTS tenant_account_mappings (
tenant_id TEXT NOT NULL,
account_id TEXT NOT NULL,
priority INTEGER NOT NULL DEFAULT 0,
created_at TIMESTAMP NOT NULL,
PRIMARY KEY (tenant_id, account_id),
FOREIGN KEY (tenant_id) REFERENCES tenants(tenant_id),
FOREIGN KEY (account_id) REFERENCES accounts(account_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_client_keys_tenant ON tenant_client_keys(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_tenant_priority ON tenant_account_mappings(tenant_id, priority)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_name ON accounts(account_name)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
