// Package storage defines the credential store contract. Implementations
// apply the secret codec so that callers only ever handle ciphertext.
package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
)

// ErrNotFound is returned when a record does not exist, including
// revoked client keys on the verification path.
var ErrNotFound = errors.New("storage: not found")

// ErrStaleRotation is returned when a guarded OAuth rotation matched no
// row: a concurrent rotation won and its result must be re-read, never
// overwritten.
var ErrStaleRotation = errors.New("storage: rotation guard did not match")

// SecretField names a decryptable column on an account.
type SecretField string

const (
	FieldAPIKey       SecretField = "api_key"
	FieldOAuthAccess  SecretField = "oauth_access"
	FieldOAuthRefresh SecretField = "oauth_refresh"
)

// AccountSpec describes a new account. Secret material arrives in
// plaintext and is encrypted before it touches the database.
type AccountSpec struct {
	Name       string
	Provider   domain.Provider
	Credential domain.Credential

	// IsGenerated marks broker-minted credentials; KeyHash is stored
	// alongside for bearer-style verification.
	IsGenerated bool
	KeyHash     string
}

// AccountPatch is a partial account update. Nil fields are unchanged.
// A non-nil Credential replaces the whole variant (plaintext secrets,
// encrypted on write) and clears any terminal refresh state.
type AccountPatch struct {
	Name       *string
	IsActive   *bool
	Credential domain.Credential
}

// OAuthRotation is the atomic write performed after a successful token
// refresh. PrevExpiresAt is the optimistic guard: the update applies
// only if the stored expiry still matches, so a losing concurrent
// refresher cannot overwrite the winner's rotation.
type OAuthRotation struct {
	Access    string // plaintext new access token
	Refresh   string // plaintext new refresh token; empty = retain stored one
	ExpiresAt int64  // new expiry, epoch milliseconds
	Scopes    []string
	Tier      bool

	PrevExpiresAt int64
}

// TenantSpec describes a new tenant.
type TenantSpec struct {
	ID               string
	Description      string
	DefaultAccountID string
	Config           json.RawMessage
}

// TenantPatch is a partial tenant update. Nil fields are unchanged.
type TenantPatch struct {
	Description      *string
	DefaultAccountID *string
	IsActive         *bool
	Config           json.RawMessage
}

// CredentialStore is durable CRUD over accounts, tenants, client keys
// and tenant-account mappings.
type CredentialStore interface {
	// Accounts
	CreateAccount(ctx context.Context, spec AccountSpec) (string, error)
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccountByName(ctx context.Context, name string) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]*domain.Account, error)
	UpdateAccount(ctx context.Context, id string, patch AccountPatch) error
	RevokeAccount(ctx context.Context, id string) error
	DeleteAccount(ctx context.Context, id string) error
	TouchAccount(ctx context.Context, id string) error

	// DecryptedSecret is the only path that decrypts stored secret
	// material; it is used at outbound-call construction and by the
	// refresh manager, never by read APIs.
	DecryptedSecret(ctx context.Context, id string, field SecretField) (string, error)

	// OAuth lifecycle writes
	RotateOAuth(ctx context.Context, id string, rotation OAuthRotation) error
	MarkInvalidGrant(ctx context.Context, id string) error

	// Tenants
	CreateTenant(ctx context.Context, spec TenantSpec) error
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	ListTenants(ctx context.Context) ([]*domain.Tenant, error)
	UpdateTenant(ctx context.Context, id string, patch TenantPatch) error

	// Client keys
	CreateClientKey(ctx context.Context, tenantID, label, createdBy string) (*domain.ClientKey, string, error)
	VerifyClientKey(ctx context.Context, token string) (string, error)
	ListClientKeys(ctx context.Context, tenantID string) ([]*domain.ClientKey, error)
	RevokeClientKey(ctx context.Context, keyID string) error

	// Mappings
	UpsertMapping(ctx context.Context, tenantID, accountID string, priority int) error
	DeleteMapping(ctx context.Context, tenantID, accountID string) error
	ListMappings(ctx context.Context, tenantID string) ([]*domain.Mapping, error)

	// TenantAccounts returns the accounts mapped to a tenant, ordered by
	// (priority asc, account id asc), excluding revoked and inactive
	// accounts. Terminal-state OAuth filtering is the router's concern.
	TenantAccounts(ctx context.Context, tenantID string) ([]*domain.Account, error)

	Close() error
}
