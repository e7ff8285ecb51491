package sqldb

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
	"github.com/tjfontaine/llm-tenant-gateway/internal/pkg/secret"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage"
)

// tokenPrefix marks gateway-minted client tokens. The stored key_prefix
// column keeps enough of the token for display without the plaintext.
const tokenPrefix = "sk-tg-"

const clientKeyColumns = `key_id, tenant_id, token_hash, key_prefix, label, created_by, created_at, last_used_at, revoked_at`

// CreateClientKey mints a high-entropy bearer token for a tenant's
// clients. Only the hash is persisted; the plaintext is returned to the
// caller exactly once and cannot be recovered afterwards.
func (s *Store) CreateClientKey(ctx context.Context, tenantID, label, createdBy string) (*domain.ClientKey, string, error) {
	if _, err := s.GetTenant(ctx, tenantID); err != nil {
		return nil, "", fmt.Errorf("resolve tenant: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	token := tokenPrefix + hex.EncodeToString(raw)
	prefix := token[:len(tokenPrefix)+8]

	key := &domain.ClientKey{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		TokenHash: secret.Hash(token),
		Prefix:    prefix,
		Label:     label,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	}

	query := s.dialect.Rebind(`INSERT INTO tenant_client_keys (` + clientKeyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL)`)

	_, err := s.db.ExecContext(ctx, query,
		key.ID, key.TenantID, key.TokenHash, key.Prefix,
		nullString(key.Label), key.CreatedBy, key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create client key: %w", err)
	}

	return key, token, nil
}

// VerifyClientKey resolves a presented bearer token to its owning
// tenant by exact hash lookup. Unknown and revoked keys both report
// ErrNotFound; callers cannot distinguish them. The
// last-used timestamp is bumped in the background and its failure never
// fails the request.
func (s *Store) VerifyClientKey(ctx context.Context, token string) (string, error) {
	tokenHash := secret.Hash(token)

	query := s.dialect.Rebind(`SELECT key_id, tenant_id FROM tenant_client_keys
		WHERE token_hash = ? AND revoked_at IS NULL`)

	var keyID, tenantID string
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&keyID, &tenantID)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to verify client key: %w", err)
	}

	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.touchClientKey(touchCtx, keyID)
	}()

	return tenantID, nil
}

func (s *Store) touchClientKey(ctx context.Context, keyID string) error {
	query := s.dialect.Rebind(`UPDATE tenant_client_keys SET last_used_at = ? WHERE key_id = ?`)
	_, err := s.db.ExecContext(ctx, query, time.Now(), keyID)
	return err
}

func (s *Store) ListClientKeys(ctx context.Context, tenantID string) ([]*domain.ClientKey, error) {
	query := s.dialect.Rebind(`SELECT ` + clientKeyColumns + ` FROM tenant_client_keys
		WHERE tenant_id = ? ORDER BY created_at ASC`)

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query client keys: %w", err)
	}
	defer rows.Close()

	var keys []*domain.ClientKey
	for rows.Next() {
		key, err := scanClientKey(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client key: %w", err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func (s *Store) RevokeClientKey(ctx context.Context, keyID string) error {
	query := s.dialect.Rebind(`UPDATE tenant_client_keys SET revoked_at = ? WHERE key_id = ? AND revoked_at IS NULL`)

	result, err := s.db.ExecContext(ctx, query, time.Now(), keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke client key: %w", err)
	}
	return requireRow(result)
}

func scanClientKey(scan func(...any) error) (*domain.ClientKey, error) {
	var (
		key        domain.ClientKey
		label      sql.NullString
		lastUsedAt sql.NullTime
		revokedAt  sql.NullTime
	)

	err := scan(&key.ID, &key.TenantID, &key.TokenHash, &key.Prefix,
		&label, &key.CreatedBy, &key.CreatedAt, &lastUsedAt, &revokedAt)
	if err != nil {
		return nil, err
	}

	key.Label = label.String
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		key.LastUsedAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		key.RevokedAt = &t
	}

	return &key, nil
}
