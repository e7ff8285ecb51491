// Package domain provides canonical error types for the credential engine.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthReason categorizes authentication and authorization failures.
type AuthReason string

const (
	// AuthMissing indicates no Authorization header was presented.
	AuthMissing AuthReason = "missing"

	// AuthMalformed indicates the header did not carry a Bearer token.
	AuthMalformed AuthReason = "malformed"

	// AuthInvalid indicates an unknown or revoked token.
	AuthInvalid AuthReason = "invalid"

	// AuthTenantInactive indicates a valid token for a disabled tenant.
	AuthTenantInactive AuthReason = "tenant_inactive"
)

// AuthError is returned by the authentication gate. Clients see a
// 401/403 carrying only the reason category.
type AuthError struct {
	Reason AuthReason
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// HTTPStatusCode returns the client-visible status for this failure.
func (e *AuthError) HTTPStatusCode() int {
	if e.Reason == AuthTenantInactive {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// ErrNoUsableAccount is returned when a tenant has no mapped account
// that survives filtering. The router fails closed rather than
// substituting an unmapped or inactive credential.
var ErrNoUsableAccount = errors.New("no usable account mapped for tenant")
