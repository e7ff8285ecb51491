package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage"
)

const accountColumns = `account_id, account_name, credential_type, provider,
api_key_ciphertext, oauth_access_ciphertext, oauth_refresh_ciphertext,
oauth_expires_at, oauth_scopes, oauth_tier, oauth_invalid_grant,
is_generated, key_hash, is_active, revoked_at, created_at, updated_at, last_used_at`

// secretColumns holds the encrypted representation of a credential
// variant, ready for the accounts table.
type secretColumns struct {
	apiKey       sql.NullString
	oauthAccess  sql.NullString
	oauthRefresh sql.NullString
	expiresAt    sql.NullInt64
	scopes       sql.NullString
	tier         bool
	invalidGrant bool
}

// encryptCredential validates the variant invariant and encrypts the
// plaintext secrets. The write path matches exhaustively: a credential
// that would violate the type/secret-presence invariant is rejected
// here, never persisted.
func (s *Store) encryptCredential(cred domain.Credential) (secretColumns, error) {
	var cols secretColumns

	switch c := cred.(type) {
	case domain.APIKeyCredential:
		if c.Secret == "" {
			return cols, fmt.Errorf("api_key credential requires a secret")
		}
		ct, err := s.codec.Encrypt(c.Secret)
		if err != nil {
			return cols, fmt.Errorf("encrypt api key: %w", err)
		}
		cols.apiKey = sql.NullString{String: ct, Valid: true}

	case domain.OAuthCredential:
		if c.Access == "" || c.Refresh == "" {
			return cols, fmt.Errorf("oauth credential requires both access and refresh secrets")
		}
		accessCT, err := s.codec.Encrypt(c.Access)
		if err != nil {
			return cols, fmt.Errorf("encrypt access token: %w", err)
		}
		refreshCT, err := s.codec.Encrypt(c.Refresh)
		if err != nil {
			return cols, fmt.Errorf("encrypt refresh token: %w", err)
		}
		scopesJSON, err := json.Marshal(c.Scopes)
		if err != nil {
			return cols, fmt.Errorf("marshal scopes: %w", err)
		}
		cols.oauthAccess = sql.NullString{String: accessCT, Valid: true}
		cols.oauthRefresh = sql.NullString{String: refreshCT, Valid: true}
		cols.expiresAt = sql.NullInt64{Int64: c.ExpiresAt, Valid: true}
		cols.scopes = sql.NullString{String: string(scopesJSON), Valid: true}
		cols.tier = c.Tier
		cols.invalidGrant = c.InvalidGrant

	case nil:
		return cols, fmt.Errorf("credential required")

	default:
		return cols, fmt.Errorf("unknown credential type %q", cred.Type())
	}

	return cols, nil
}

func (s *Store) CreateAccount(ctx context.Context, spec storage.AccountSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("account name required")
	}
	if spec.Provider != domain.ProviderDirectAPI && spec.Provider != domain.ProviderHostedInference {
		return "", fmt.Errorf("unknown provider %q", spec.Provider)
	}

	cols, err := s.encryptCredential(spec.Credential)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	now := time.Now()

	query := s.dialect.Rebind(`INSERT INTO accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL)`)

	_, err = s.db.ExecContext(ctx, query,
		id, spec.Name, string(spec.Credential.Type()), string(spec.Provider),
		cols.apiKey, cols.oauthAccess, cols.oauthRefresh,
		cols.expiresAt, cols.scopes, boolInt(cols.tier), boolInt(cols.invalidGrant),
		boolInt(spec.IsGenerated), nullString(spec.KeyHash), 1, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to create account: %w", err)
	}

	return id, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	query := s.dialect.Rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE account_id = ?`)
	return s.queryAccount(ctx, query, id)
}

func (s *Store) GetAccountByName(ctx context.Context, name string) (*domain.Account, error) {
	query := s.dialect.Rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE account_name = ?`)
	return s.queryAccount(ctx, query, name)
}

func (s *Store) queryAccount(ctx context.Context, query string, arg any) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	acct, err := scanAccount(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	query := s.dialect.Rebind(`SELECT ` + accountColumns + ` FROM accounts ORDER BY account_name ASC`)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
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

// UpdateAccount applies a partial update transactionally. The merged
// row is re-validated against the credential invariant before the
// write, so a patch that would break it is rejected whole.
func (s *Store) UpdateAccount(ctx context.Context, id string, patch storage.AccountPatch) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+accountColumns+` FROM accounts WHERE account_id = ?`), id)
	current, err := scanAccount(row.Scan)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read account: %w", err)
	}

	name := current.Name
	if patch.Name != nil {
		name = *patch.Name
	}
	active := current.IsActive
	if patch.IsActive != nil {
		active = *patch.IsActive
	}

	credType := string(current.Credential.Type())
	var cols secretColumns
	if patch.Credential != nil {
		// Full variant replacement; re-encrypts and clears any
		// terminal refresh state (the operator re-auth path).
		cols, err = s.encryptCredential(patch.Credential)
		if err != nil {
			return err
		}
		credType = string(patch.Credential.Type())
	} else {
		cols = columnsFromStored(current)
	}

	query := s.dialect.Rebind(`UPDATE accounts SET
account_name = ?, credential_type = ?,
api_key_ciphertext = ?, oauth_access_ciphertext = ?, oauth_refresh_ciphertext = ?,
oauth_expires_at = ?, oauth_scopes = ?, oauth_tier = ?, oauth_invalid_grant = ?,
is_active = ?, updated_at = ?
WHERE account_id = ?`)

	if _, err := tx.ExecContext(ctx, query,
		name, credType,
		cols.apiKey, cols.oauthAccess, cols.oauthRefresh,
		cols.expiresAt, cols.scopes, boolInt(cols.tier), boolInt(cols.invalidGrant),
		boolInt(active), time.Now(), id); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	return tx.Commit()
}

func (s *Store) RevokeAccount(ctx context.Context, id string) error {
	query := s.dialect.Rebind(`UPDATE accounts SET revoked_at = ?, updated_at = ? WHERE account_id = ? AND revoked_at IS NULL`)

	result, err := s.db.ExecContext(ctx, query, time.Now(), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to revoke account: %w", err)
	}
	return requireRow(result)
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	query := s.dialect.Rebind(`DELETE FROM accounts WHERE account_id = ?`)

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return requireRow(result)
}

func (s *Store) TouchAccount(ctx context.Context, id string) error {
	query := s.dialect.Rebind(`UPDATE accounts SET last_used_at = ? WHERE account_id = ?`)
	_, err := s.db.ExecContext(ctx, query, time.Now(), id)
	return err
}

func (s *Store) DecryptedSecret(ctx context.Context, id string, field storage.SecretField) (string, error) {
	var column string
	switch field {
	case storage.FieldAPIKey:
		column = "api_key_ciphertext"
	case storage.FieldOAuthAccess:
		column = "oauth_access_ciphertext"
	case storage.FieldOAuthRefresh:
		column = "oauth_refresh_ciphertext"
	default:
		return "", fmt.Errorf("unknown secret field %q", field)
	}

	query := s.dialect.Rebind(`SELECT ` + column + ` FROM accounts WHERE account_id = ?`)

	var ciphertext sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&ciphertext)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	if !ciphertext.Valid || ciphertext.String == "" {
		return "", fmt.Errorf("account %s has no %s secret", id, field)
	}

	return s.codec.Decrypt(ciphertext.String)
}

// RotateOAuth atomically rewrites the OAuth secrets after a successful
// refresh. The WHERE clause guards on the previous expiry: if another
// refresher already rotated, zero rows match and ErrStaleRotation is
// returned so the caller re-reads the winner's result instead of
// submitting the now-dead refresh token's output over it.
func (s *Store) RotateOAuth(ctx context.Context, id string, rotation storage.OAuthRotation) error {
	accessCT, err := s.codec.Encrypt(rotation.Access)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	// The provider only sometimes issues a new refresh token; when it
	// does not, the stored one is retained unchanged.
	refreshCT := sql.NullString{}
	if rotation.Refresh != "" {
		ct, err := s.codec.Encrypt(rotation.Refresh)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		refreshCT = sql.NullString{String: ct, Valid: true}
	}

	scopesJSON, err := json.Marshal(rotation.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}

	query := s.dialect.Rebind(`UPDATE accounts SET
oauth_access_ciphertext = ?,
oauth_refresh_ciphertext = COALESCE(?, oauth_refresh_ciphertext),
oauth_expires_at = ?, oauth_scopes = ?, oauth_tier = ?,
oauth_invalid_grant = 0, updated_at = ?
WHERE account_id = ? AND credential_type = ? AND oauth_expires_at = ?`)

	result, err := s.db.ExecContext(ctx, query,
		accessCT, refreshCT, rotation.ExpiresAt, string(scopesJSON), boolInt(rotation.Tier),
		time.Now(), id, string(domain.CredentialOAuth), rotation.PrevExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to rotate oauth secrets: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrStaleRotation
	}

	return nil
}

func (s *Store) MarkInvalidGrant(ctx context.Context, id string) error {
	query := s.dialect.Rebind(`UPDATE accounts SET oauth_invalid_grant = 1, updated_at = ? WHERE account_id = ? AND credential_type = ?`)

	result, err := s.db.ExecContext(ctx, query, time.Now(), id, string(domain.CredentialOAuth))
	if err != nil {
		return fmt.Errorf("failed to mark invalid grant: %w", err)
	}
	return requireRow(result)
}

// scanAccount reads one accounts row through any Scan-shaped function
// (sql.Row or sql.Rows).
func scanAccount(scan func(...any) error) (*domain.Account, error) {
	var (
		acct         domain.Account
		credType     string
		provider     string
		apiKey       sql.NullString
		oauthAccess  sql.NullString
		oauthRefresh sql.NullString
		expiresAt    sql.NullInt64
		scopes       sql.NullString
		tier         int
		invalidGrant int
		isGenerated  int
		keyHash      sql.NullString
		isActive     int
		revokedAt    sql.NullTime
		lastUsedAt   sql.NullTime
	)

	err := scan(
		&acct.ID, &acct.Name, &credType, &provider,
		&apiKey, &oauthAccess, &oauthRefresh,
		&expiresAt, &scopes, &tier, &invalidGrant,
		&isGenerated, &keyHash, &isActive, &revokedAt,
		&acct.CreatedAt, &acct.UpdatedAt, &lastUsedAt,
	)
	if err != nil {
		return nil, err
	}

	acct.Provider = domain.Provider(provider)
	acct.IsGenerated = isGenerated != 0
	acct.KeyHash = keyHash.String
	acct.IsActive = isActive != 0
	if revokedAt.Valid {
		t := revokedAt.Time
		acct.RevokedAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		acct.LastUsedAt = &t
	}

	switch domain.CredentialType(credType) {
	case domain.CredentialAPIKey:
		acct.Credential = domain.APIKeyCredential{Secret: apiKey.String}
	case domain.CredentialOAuth:
		var scopeList []string
		if scopes.Valid && scopes.String != "" {
			if err := json.Unmarshal([]byte(scopes.String), &scopeList); err != nil {
				return nil, fmt.Errorf("unmarshal scopes: %w", err)
			}
		}
		acct.Credential = domain.OAuthCredential{
			Access:       oauthAccess.String,
			Refresh:      oauthRefresh.String,
			ExpiresAt:    expiresAt.Int64,
			Scopes:       scopeList,
			Tier:         tier != 0,
			InvalidGrant: invalidGrant != 0,
		}
	default:
		return nil, fmt.Errorf("unknown credential type %q in storage", credType)
	}

	return &acct, nil
}

// columnsFromStored re-packages an account's already-encrypted secret
// columns for a write that leaves the credential unchanged.
func columnsFromStored(acct *domain.Account) secretColumns {
	var cols secretColumns
	switch c := acct.Credential.(type) {
	case domain.APIKeyCredential:
		cols.apiKey = nullString(c.Secret)
	case domain.OAuthCredential:
		cols.oauthAccess = nullString(c.Access)
		cols.oauthRefresh = nullString(c.Refresh)
		cols.expiresAt = sql.NullInt64{Int64: c.ExpiresAt, Valid: true}
		scopesJSON, _ := json.Marshal(c.Scopes)
		cols.scopes = sql.NullString{String: string(scopesJSON), Valid: true}
		cols.tier = c.Tier
		cols.invalidGrant = c.InvalidGrant
	}
	return cols
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
