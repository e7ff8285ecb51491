package domain

import (
	"encoding/json"
	"time"
)

// Tenant is a billing and isolation boundary. Clients of a tenant
// present its ClientKeys; the tenant is mapped to one or more Accounts.
type Tenant struct {
	ID          string
	Description string

	// DefaultAccountID is a weak reference: the account may have been
	// deleted or revoked since it was set, so consumers must re-validate
	// it against the live candidate set before use.
	DefaultAccountID string

	IsActive bool

	// Config is opaque pass-through configuration (e.g. notification
	// settings) owned by external collaborators.
	Config json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClientKey is a bearer token a tenant's clients present to the
// gateway. Only the hash is persisted; the plaintext is returned to the
// caller exactly once at creation.
type ClientKey struct {
	ID        string
	TenantID  string
	TokenHash string

	// Prefix is the display prefix of the minted token, kept so keys
	// can be labelled without the plaintext.
	Prefix string

	Label      string
	CreatedBy  string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Mapping links a tenant to an account with a selection priority.
// Lower priority is preferred; ties break by account id.
type Mapping struct {
	TenantID  string
	AccountID string
	Priority  int
	CreatedAt time.Time
}
