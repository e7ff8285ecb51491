package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
)

func (s *Store) UpsertMapping(ctx context.Context, tenantID, accountID string, priority int) error {
	upsert := s.dialect.UpsertClause("tenant_id, account_id", []string{"priority"})
	query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO tenant_account_mappings (tenant_id, account_id, priority, created_at)
		VALUES (?, ?, ?, ?)
		%s`, upsert))

	_, err := s.db.ExecContext(ctx, query, tenantID, accountID, priority, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}

	return nil
}

func (s *Store) DeleteMapping(ctx context.Context, tenantID, accountID string) error {
	query := s.dialect.Rebind(`DELETE FROM tenant_account_mappings WHERE tenant_id = ? AND account_id = ?`)

	result, err := s.db.ExecContext(ctx, query, tenantID, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return requireRow(result)
}

func (s *Store) ListMappings(ctx context.Context, tenantID string) ([]*domain.Mapping, error) {
	query := s.dialect.Rebind(`SELECT tenant_id, account_id, priority, created_at
		FROM tenant_account_mappings WHERE tenant_id = ?
		ORDER BY priority ASC, account_id ASC`)

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*domain.Mapping
	for rows.Next() {
		var m domain.Mapping
		if err := rows.Scan(&m.TenantID, &m.AccountID, &m.Priority, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, &m)
	}

	return mappings, rows.Err()
}

// TenantAccounts joins a tenant's mappings with account state, ordered
// by (priority asc, account id asc) for deterministic selection.
// Revoked and inactive accounts never leave this query; priorities need
// not be contiguous.
func (s *Store) TenantAccounts(ctx context.Context, tenantID string) ([]*domain.Account, error) {
	query := s.dialect.Rebind(`SELECT a.account_id, a.account_name, a.credential_type, a.provider,
a.api_key_ciphertext, a.oauth_access_ciphertext, a.oauth_refresh_ciphertext,
a.oauth_expires_at, a.oauth_scopes, a.oauth_tier, a.oauth_invalid_grant,
a.is_generated, a.key_hash, a.is_active, a.revoked_at, a.created_at, a.updated_at, a.last_used_at
FROM tenant_account_mappings m
JOIN accounts a ON a.account_id = m.account_id
WHERE m.tenant_id = ? AND a.is_active = 1 AND a.revoked_at IS NULL
ORDER BY m.priority ASC, a.account_id ASC`)

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		acct, err := scanAccount(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}

	return accounts, rows.Err()
}
