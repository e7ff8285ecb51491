// Package domain defines the core types of the credential engine.
package domain

import "time"

// Provider identifies which upstream backend an account can call.
type Provider string

const (
	// ProviderDirectAPI is the provider's first-party HTTP API.
	ProviderDirectAPI Provider = "direct-api"

	// ProviderHostedInference is the cloud-hosted inference service.
	ProviderHostedInference Provider = "hosted-inference"
)

// CredentialType discriminates the credential variants.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api_key"
	CredentialOAuth  CredentialType = "oauth"
)

// Credential is the tagged variant carried by an Account. Secret fields
// hold ciphertext everywhere outside the secret codec; only the store's
// decryption path ever sees plaintext.
type Credential interface {
	Type() CredentialType
}

// APIKeyCredential is a static provider API key.
type APIKeyCredential struct {
	Secret string
}

func (APIKeyCredential) Type() CredentialType { return CredentialAPIKey }

// OAuthCredential is a rotating access/refresh token pair.
type OAuthCredential struct {
	Access    string
	Refresh   string
	ExpiresAt int64 // epoch milliseconds
	Scopes    []string
	Tier      bool

	// InvalidGrant marks the terminal refresh state: the provider has
	// rejected the refresh token and an operator must re-authenticate
	// the account out-of-band.
	InvalidGrant bool
}

func (OAuthCredential) Type() CredentialType { return CredentialOAuth }

// Account is a backend provider credential owned by the gateway.
type Account struct {
	ID         string
	Name       string
	Provider   Provider
	Credential Credential

	// IsGenerated marks broker-minted bearer credentials; KeyHash is
	// set only for those and allows verification without decryption.
	IsGenerated bool
	KeyHash     string

	IsActive   bool
	RevokedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastUsedAt *time.Time
}

// Usable reports whether the account may be bound to an outbound call.
// Revoked accounts are excluded forever; OAuth accounts in the terminal
// invalid-grant state are excluded until re-authenticated.
func (a *Account) Usable() bool {
	if a == nil || !a.IsActive || a.RevokedAt != nil {
		return false
	}
	if c, ok := a.Credential.(OAuthCredential); ok && c.InvalidGrant {
		return false
	}
	return true
}

// OAuth returns the OAuth credential variant, if that is what the
// account carries.
func (a *Account) OAuth() (OAuthCredential, bool) {
	c, ok := a.Credential.(OAuthCredential)
	return c, ok
}
