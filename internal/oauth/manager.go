package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage"
)

// Manager drives the refresh lifecycle of OAuth accounts. A
// singleflight group keyed by account id serializes refreshes so
// concurrent callers share one upstream call and one rotation; the
// store's optimistic guard backstops callers in other processes.
type Manager struct {
	store    storage.CredentialStore
	endpoint TokenEndpoint
	skew     time.Duration
	logger   *slog.Logger
	group    singleflight.Group
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithSkew overrides the refresh lead time.
func WithSkew(skew time.Duration) ManagerOption {
	return func(m *Manager) { m.skew = skew }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a refresh manager.
func NewManager(store storage.CredentialStore, endpoint TokenEndpoint, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		endpoint: endpoint,
		skew:     DefaultSkew,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure returns an account whose access token is safe to bind to an
// outbound call, refreshing first when the credential is expiring or
// expired. Non-OAuth accounts pass through untouched.
func (m *Manager) Ensure(ctx context.Context, acct *domain.Account) (*domain.Account, error) {
	cred, ok := acct.OAuth()
	if !ok {
		return acct, nil
	}

	switch StateOf(cred, time.Now(), m.skew) {
	case StateInvalidGrant:
		return nil, ErrInvalidGrant
	case StateValid:
		return acct, nil
	}

	// The winning caller's cancellation must not abort the refresh for
	// everyone sharing the flight.
	v, err, _ := m.group.Do(acct.ID, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), acct.ID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Account), nil
}

// refresh performs one serialized refresh attempt. It re-reads the
// account first: a caller that lost the singleflight race to a previous
// flight, or a rotation performed by another process, shows up here as
// an already-valid credential.
func (m *Manager) refresh(ctx context.Context, id string) (*domain.Account, error) {
	acct, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load account for refresh: %w", err)
	}

	cred, ok := acct.OAuth()
	if !ok {
		return acct, nil
	}

	state := StateOf(cred, time.Now(), m.skew)
	if state == StateInvalidGrant {
		return nil, ErrInvalidGrant
	}
	if !state.NeedsRefresh() {
		return acct, nil
	}

	refreshToken, err := m.store.DecryptedSecret(ctx, id, storage.FieldOAuthRefresh)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh secret: %w", err)
	}

	token, err := m.endpoint.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			if markErr := m.store.MarkInvalidGrant(ctx, id); markErr != nil {
				m.logger.Error("failed to persist invalid grant state",
					slog.String("account_id", id),
					slog.String("error", markErr.Error()))
			}
			m.logger.Error("refresh token rejected by provider, operator must re-authenticate",
				slog.String("account_id", id),
				slog.String("account_name", acct.Name))
			return nil, err
		}
		m.logger.Warn("oauth refresh failed",
			slog.String("account_id", id),
			slog.String("error", err.Error()))
		return nil, err
	}

	rotation := storage.OAuthRotation{
		Access:        token.AccessToken,
		Refresh:       token.RefreshToken, // empty = provider kept the old one
		ExpiresAt:     time.Now().Add(time.Duration(token.ExpiresIn) * time.Second).UnixMilli(),
		Scopes:        strings.Fields(token.Scope),
		Tier:          token.IsMax,
		PrevExpiresAt: cred.ExpiresAt,
	}

	if err := m.store.RotateOAuth(ctx, id, rotation); err != nil {
		if !errors.Is(err, storage.ErrStaleRotation) {
			return nil, fmt.Errorf("persist rotation: %w", err)
		}
		// Another process rotated first; its result is authoritative.
		m.logger.Info("lost rotation race, adopting winner's credentials",
			slog.String("account_id", id))
	}

	refreshed, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload account after rotation: %w", err)
	}

	m.logger.Info("oauth credentials refreshed",
		slog.String("account_id", id),
		slog.String("account_name", refreshed.Name))

	return refreshed, nil
}

// Sweep walks all OAuth accounts and refreshes those due. It is an
// optional background complement to the lazy refresh path; individual
// failures are logged and do not stop the sweep.
func (m *Manager) Sweep(ctx context.Context) {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		m.logger.Warn("refresh sweep could not list accounts", slog.String("error", err.Error()))
		return
	}

	for _, acct := range accounts {
		if !acct.Usable() {
			continue
		}
		cred, ok := acct.OAuth()
		if !ok || !StateOf(cred, time.Now(), m.skew).NeedsRefresh() {
			continue
		}
		if _, err := m.Ensure(ctx, acct); err != nil {
			m.logger.Warn("background refresh failed",
				slog.String("account_id", acct.ID),
				slog.String("error", err.Error()))
		}
	}
}
