// Package oauth drives the refresh state machine for OAuth-backed
// accounts. Refreshes for a given account are strictly serialized so
// that two concurrent requests never submit the same refresh token: the
// provider invalidates the old token on first successful rotation, and
// a losing caller must observe the winner's result, not re-refresh.
package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
)

// State is the refresh lifecycle state of an OAuth credential.
type State string

const (
	// StateValid means the access token is safely inside its lifetime.
	StateValid State = "valid"

	// StateExpiringSoon means the token expires within the skew window
	// and should be refreshed before being bound to an outbound call.
	StateExpiringSoon State = "expiring_soon"

	// StateExpired means the access token's lifetime has elapsed.
	StateExpired State = "expired"

	// StateInvalidGrant is terminal: the provider rejected the refresh
	// token and an operator must re-authenticate out-of-band.
	StateInvalidGrant State = "invalid_grant"
)

// DefaultSkew is the lead time before actual expiry at which a token is
// treated as due for refresh.
const DefaultSkew = 60 * time.Second

// StateOf classifies a credential at a point in time.
func StateOf(cred domain.OAuthCredential, now time.Time, skew time.Duration) State {
	if cred.InvalidGrant {
		return StateInvalidGrant
	}

	expiry := time.UnixMilli(cred.ExpiresAt)
	switch {
	case !now.Before(expiry):
		return StateExpired
	case !now.Before(expiry.Add(-skew)):
		return StateExpiringSoon
	default:
		return StateValid
	}
}

// NeedsRefresh reports whether a credential in this state must be
// refreshed before use.
func (s State) NeedsRefresh() bool {
	return s == StateExpiringSoon || s == StateExpired
}

// ErrInvalidGrant is the terminal refresh failure: the provider has
// declared the refresh token dead. It must never be retried
// automatically.
var ErrInvalidGrant = errors.New("oauth: refresh token rejected (invalid_grant)")

// RefreshError wraps a failed refresh attempt. Transient failures
// (network, 5xx, timeout) leave the stored credential untouched and may
// be retried per the router's bounded failover policy.
type RefreshError struct {
	Transient bool
	Err       error
}

func (e *RefreshError) Error() string {
	if e.Transient {
		return fmt.Sprintf("oauth: transient refresh failure: %v", e.Err)
	}
	return fmt.Sprintf("oauth: refresh failure: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
