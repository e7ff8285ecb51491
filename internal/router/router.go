// Package router maps an authenticated tenant to a usable provider
// account. Selection walks the tenant's mapped accounts in priority
// order, refreshing OAuth credentials through the lifecycle manager,
// and fails closed when nothing survives: an unmapped or inactive
// credential is never substituted.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
	"github.com/tjfontaine/llm-tenant-gateway/internal/oauth"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage"
)

// DefaultFailoverBudget is the number of extra accounts tried after a
// transient refresh failure on the preferred one.
const DefaultFailoverBudget = 1

// Router selects accounts for tenants.
type Router struct {
	store          storage.CredentialStore
	manager        *oauth.Manager
	failoverBudget int
	logger         *slog.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithFailoverBudget overrides the number of extra attempts after a
// transient refresh failure.
func WithFailoverBudget(n int) Option {
	return func(r *Router) { r.failoverBudget = n }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New creates a Router over the given store and lifecycle manager.
func New(store storage.CredentialStore, manager *oauth.Manager, opts ...Option) *Router {
	r := &Router{
		store:          store,
		manager:        manager,
		failoverBudget: DefaultFailoverBudget,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SelectAccount picks a usable account for the tenant. A non-empty hint
// naming a surviving account overrides priority order; absent a hint,
// the tenant's default account acts as one. The returned account has a
// valid credential, refreshed if needed.
func (r *Router) SelectAccount(ctx context.Context, tenant *domain.Tenant, hint string) (*domain.Account, error) {
	candidates, err := r.store.TenantAccounts(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("load accounts for tenant %s: %w", tenant.ID, err)
	}

	usable := candidates[:0]
	for _, acct := range candidates {
		if acct.Usable() {
			usable = append(usable, acct)
		}
	}
	if len(usable) == 0 {
		return nil, domain.ErrNoUsableAccount
	}

	// defaultAccountId is a weak reference: it applies only when it
	// still names a surviving mapped account.
	if hint == "" {
		hint = tenant.DefaultAccountID
	}
	if hint != "" {
		for i, acct := range usable {
			if acct.ID == hint || acct.Name == hint {
				usable = append([]*domain.Account{acct}, append(usable[:i:i], usable[i+1:]...)...)
				break
			}
		}
	}

	budget := r.failoverBudget
	var lastErr error
	for _, acct := range usable {
		ensured, err := r.manager.Ensure(ctx, acct)
		if err == nil {
			return ensured, nil
		}

		if errors.Is(err, oauth.ErrInvalidGrant) {
			// Terminal for that account; the next candidate is free.
			r.logger.Warn("skipping account with dead refresh token",
				slog.String("tenant_id", tenant.ID),
				slog.String("account_id", acct.ID))
			lastErr = err
			continue
		}

		if budget == 0 {
			return nil, err
		}
		budget--
		lastErr = err
		r.logger.Warn("refresh failed, trying next account",
			slog.String("tenant_id", tenant.ID),
			slog.String("account_id", acct.ID),
			slog.String("error", err.Error()))
	}

	if lastErr != nil && !errors.Is(lastErr, oauth.ErrInvalidGrant) {
		return nil, lastErr
	}
	return nil, domain.ErrNoUsableAccount
}
