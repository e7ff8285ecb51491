// Package auth is the bearer-token gate in front of every proxied
// request. A presented token is hashed and resolved to its owning
// tenant through the credential store; the plaintext token is never
// stored or logged.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage"
)

// Authenticator resolves bearer tokens to tenants.
type Authenticator struct {
	store storage.CredentialStore
}

// NewAuthenticator creates an authenticator backed by the credential store.
func NewAuthenticator(store storage.CredentialStore) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate validates the Authorization header of a request and
// returns the tenant it belongs to. Every failure is a
// *domain.AuthError; the request must be rejected with its status code.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*domain.Tenant, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return nil, err
	}
	return a.AuthenticateToken(ctx, token)
}

// AuthenticateToken resolves a raw bearer token to an active tenant.
func (a *Authenticator) AuthenticateToken(ctx context.Context, token string) (*domain.Tenant, error) {
	tenantID, err := a.store.VerifyClientKey(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &domain.AuthError{Reason: domain.AuthInvalid}
		}
		return nil, fmt.Errorf("verify client key: %w", err)
	}

	tenant, err := a.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Key rows outlive their tenant only through operator error.
			return nil, &domain.AuthError{Reason: domain.AuthInvalid}
		}
		return nil, fmt.Errorf("resolve tenant %s: %w", tenantID, err)
	}

	if !tenant.IsActive {
		return nil, &domain.AuthError{Reason: domain.AuthTenantInactive}
	}

	return tenant, nil
}

// ExtractBearerToken pulls the token out of the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", &domain.AuthError{Reason: domain.AuthMissing}
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", &domain.AuthError{Reason: domain.AuthMalformed}
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", &domain.AuthError{Reason: domain.AuthMalformed}
	}

	return token, nil
}
