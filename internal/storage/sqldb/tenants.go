package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage"
)

const tenantColumns = `tenant_id, description, default_account_id, is_active, config, created_at, updated_at`

func (s *Store) CreateTenant(ctx context.Context, spec storage.TenantSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("tenant id required")
	}

	now := time.Now()
	query := s.dialect.Rebind(`INSERT INTO tenants (` + tenantColumns + `) VALUES (?, ?, ?, 1, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		spec.ID, nullString(spec.Description), nullString(spec.DefaultAccountID),
		nullString(string(spec.Config)), now, now)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	query := s.dialect.Rebind(`SELECT ` + tenantColumns + ` FROM tenants WHERE tenant_id = ?`)

	row := s.db.QueryRowContext(ctx, query, id)
	tenant, err := scanTenant(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return tenant, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]*domain.Tenant, error) {
	query := s.dialect.Rebind(`SELECT ` + tenantColumns + ` FROM tenants ORDER BY tenant_id ASC`)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*domain.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}

	return tenants, rows.Err()
}

func (s *Store) UpdateTenant(ctx context.Context, id string, patch storage.TenantPatch) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+tenantColumns+` FROM tenants WHERE tenant_id = ?`), id)
	current, err := scanTenant(row.Scan)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read tenant: %w", err)
	}

	if patch.Description != nil {
		current.Description = *patch.Description
	}
	if patch.DefaultAccountID != nil {
		current.DefaultAccountID = *patch.DefaultAccountID
	}
	if patch.IsActive != nil {
		current.IsActive = *patch.IsActive
	}
	if patch.Config != nil {
		current.Config = patch.Config
	}

	query := s.dialect.Rebind(`UPDATE tenants SET description = ?, default_account_id = ?, is_active = ?, config = ?, updated_at = ? WHERE tenant_id = ?`)

	if _, err := tx.ExecContext(ctx, query,
		nullString(current.Description), nullString(current.DefaultAccountID),
		boolInt(current.IsActive), nullString(string(current.Config)), time.Now(), id); err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}

	return tx.Commit()
}

func scanTenant(scan func(...any) error) (*domain.Tenant, error) {
	var (
		tenant      domain.Tenant
		description sql.NullString
		defaultID   sql.NullString
		isActive    int
		config      sql.NullString
	)

	err := scan(&tenant.ID, &description, &defaultID, &isActive, &config,
		&tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		return nil, err
	}

	tenant.Description = description.String
	tenant.DefaultAccountID = defaultID.String
	tenant.IsActive = isActive != 0
	if config.Valid && config.String != "" {
		tenant.Config = []byte(config.String)
	}

	return &tenant, nil
}
