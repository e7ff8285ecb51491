// Package management is the JSON surface the operations dashboard
// drives: account, tenant, client-key and mapping administration.
// Callers arrive already authenticated as a tenant; ownership and
// membership checks live in the dashboard layer above this service.
package management

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
	"github.com/tjfontaine/llm-tenant-gateway/internal/pkg/secret"
	"github.com/tjfontaine/llm-tenant-gateway/internal/server"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage"
)

// Handlers serves the management API.
type Handlers struct {
	store  storage.CredentialStore
	logger *slog.Logger
}

// New creates the management handlers.
func New(store storage.CredentialStore, logger *slog.Logger) *Handlers {
	return &Handlers{store: store, logger: logger}
}

// Routes builds the /admin route tree.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", h.createAccount)
		r.Get("/", h.listAccounts)
		r.Route("/{accountID}", func(r chi.Router) {
			r.Get("/", h.getAccount)
			r.Patch("/", h.updateAccount)
			r.Delete("/", h.revokeAccount)
		})
	})

	r.Route("/tenants", func(r chi.Router) {
		r.Post("/", h.createTenant)
		r.Get("/", h.listTenants)
		r.Route("/{tenantID}", func(r chi.Router) {
			r.Get("/", h.getTenant)
			r.Patch("/", h.updateTenant)

			r.Route("/keys", func(r chi.Router) {
				r.Post("/", h.createClientKey)
				r.Get("/", h.listClientKeys)
			})

			r.Route("/mappings", func(r chi.Router) {
				r.Get("/", h.listMappings)
				r.Put("/{accountID}", h.upsertMapping)
				r.Delete("/{accountID}", h.deleteMapping)
			})
		})
	})

	r.Delete("/keys/{keyID}", h.revokeClientKey)

	return r
}

type oauthCredentialRequest struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"`
	Scopes       []string `json:"scopes,omitempty"`
	Tier         bool     `json:"tier,omitempty"`
}

type createAccountRequest struct {
	Name           string                  `json:"name"`
	Provider       string                  `json:"provider"`
	CredentialType string                  `json:"credential_type"`
	APIKey         string                  `json:"api_key,omitempty"`
	OAuth          *oauthCredentialRequest `json:"oauth,omitempty"`
}

// accountView is the client-visible form of an account. Secret fields
// never appear; GET on a single account adds a masked preview.
type accountView struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Provider       string     `json:"provider"`
	CredentialType string     `json:"credential_type"`
	IsActive       bool       `json:"is_active"`
	IsGenerated    bool       `json:"is_generated"`
	InvalidGrant   bool       `json:"invalid_grant,omitempty"`
	ExpiresAt      int64      `json:"oauth_expires_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	SecretPreview  string     `json:"secret_preview,omitempty"`
}

func viewOf(acct *domain.Account) accountView {
	v := accountView{
		ID:             acct.ID,
		Name:           acct.Name,
		Provider:       string(acct.Provider),
		CredentialType: string(acct.Credential.Type()),
		IsActive:       acct.IsActive,
		IsGenerated:    acct.IsGenerated,
		RevokedAt:      acct.RevokedAt,
		CreatedAt:      acct.CreatedAt,
		UpdatedAt:      acct.UpdatedAt,
		LastUsedAt:     acct.LastUsedAt,
	}
	if cred, ok := acct.OAuth(); ok {
		v.InvalidGrant = cred.InvalidGrant
		v.ExpiresAt = cred.ExpiresAt
	}
	return v
}

func (r createAccountRequest) credential() (domain.Credential, error) {
	switch r.CredentialType {
	case string(domain.CredentialAPIKey):
		if r.APIKey == "" {
			return nil, errors.New("api_key is required for credential_type api_key")
		}
		return domain.APIKeyCredential{Secret: r.APIKey}, nil
	case string(domain.CredentialOAuth):
		if r.OAuth == nil || r.OAuth.AccessToken == "" || r.OAuth.RefreshToken == "" {
			return nil, errors.New("oauth access_token and refresh_token are required for credential_type oauth")
		}
		return domain.OAuthCredential{
			Access:    r.OAuth.AccessToken,
			Refresh:   r.OAuth.RefreshToken,
			ExpiresAt: r.OAuth.ExpiresAt,
			Scopes:    r.OAuth.Scopes,
			Tier:      r.OAuth.Tier,
		}, nil
	default:
		return nil, errors.New("credential_type must be api_key or oauth")
	}
}

func (h *Handlers) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	cred, err := req.credential()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.store.CreateAccount(r.Context(), storage.AccountSpec{
		Name:       req.Name,
		Provider:   domain.Provider(req.Provider),
		Credential: cred,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	acct, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(acct))
}

func (h *Handlers) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListAccounts(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	views := make([]accountView, 0, len(accounts))
	for _, acct := range accounts {
		views = append(views, viewOf(acct))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handlers) getAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")

	acct, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	view := viewOf(acct)
	field := storage.FieldAPIKey
	if acct.Credential.Type() == domain.CredentialOAuth {
		field = storage.FieldOAuthAccess
	}
	if plaintext, err := h.store.DecryptedSecret(r.Context(), id, field); err == nil {
		view.SecretPreview = secret.Mask(string(acct.Provider), plaintext)
	}

	writeJSON(w, http.StatusOK, view)
}

type updateAccountRequest struct {
	Name           *string                 `json:"name,omitempty"`
	IsActive       *bool                   `json:"is_active,omitempty"`
	CredentialType string                  `json:"credential_type,omitempty"`
	APIKey         string                  `json:"api_key,omitempty"`
	OAuth          *oauthCredentialRequest `json:"oauth,omitempty"`
}

func (h *Handlers) updateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")

	var req updateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	patch := storage.AccountPatch{Name: req.Name, IsActive: req.IsActive}
	if req.CredentialType != "" {
		cred, err := createAccountRequest{
			CredentialType: req.CredentialType,
			APIKey:         req.APIKey,
			OAuth:          req.OAuth,
		}.credential()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		patch.Credential = cred
	}

	if err := h.store.UpdateAccount(r.Context(), id, patch); err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	acct, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(acct))
}

func (h *Handlers) revokeAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")

	// Revocation is soft so audit history survives. Hard deletion is
	// reserved for generated accounts, whose secrets the gateway minted
	// itself and can recreate.
	if r.URL.Query().Get("purge") == "true" {
		acct, err := h.store.GetAccount(r.Context(), id)
		if err != nil {
			h.writeStoreError(w, r, err)
			return
		}
		if !acct.IsGenerated {
			writeError(w, http.StatusConflict, "only generated accounts can be purged")
			return
		}
		if err := h.store.DeleteAccount(r.Context(), id); err != nil {
			h.writeStoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.store.RevokeAccount(r.Context(), id); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tenantRequest struct {
	ID               string          `json:"id"`
	Description      string          `json:"description,omitempty"`
	DefaultAccountID string          `json:"default_account_id,omitempty"`
	Config           json.RawMessage `json:"config,omitempty"`
}

type tenantView struct {
	ID               string          `json:"id"`
	Description      string          `json:"description,omitempty"`
	DefaultAccountID string          `json:"default_account_id,omitempty"`
	IsActive         bool            `json:"is_active"`
	Config           json.RawMessage `json:"config,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func tenantViewOf(t *domain.Tenant) tenantView {
	return tenantView{
		ID:               t.ID,
		Description:      t.Description,
		DefaultAccountID: t.DefaultAccountID,
		IsActive:         t.IsActive,
		Config:           t.Config,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func (h *Handlers) createTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	err := h.store.CreateTenant(r.Context(), storage.TenantSpec{
		ID:               req.ID,
		Description:      req.Description,
		DefaultAccountID: req.DefaultAccountID,
		Config:           req.Config,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	tenant, err := h.store.GetTenant(r.Context(), req.ID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tenantViewOf(tenant))
}

func (h *Handlers) listTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.ListTenants(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	views := make([]tenantView, 0, len(tenants))
	for _, t := range tenants {
		views = append(views, tenantViewOf(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handlers) getTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.store.GetTenant(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenantViewOf(tenant))
}

type updateTenantRequest struct {
	Description      *string         `json:"description,omitempty"`
	DefaultAccountID *string         `json:"default_account_id,omitempty"`
	IsActive         *bool           `json:"is_active,omitempty"`
	Config           json.RawMessage `json:"config,omitempty"`
}

func (h *Handlers) updateTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")

	var req updateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.store.UpdateTenant(r.Context(), id, storage.TenantPatch{
		Description:      req.Description,
		DefaultAccountID: req.DefaultAccountID,
		IsActive:         req.IsActive,
		Config:           req.Config,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	tenant, err := h.store.GetTenant(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenantViewOf(tenant))
}

type createKeyRequest struct {
	Label string `json:"label,omitempty"`
}

type keyView struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Prefix     string     `json:"prefix"`
	Label      string     `json:"label,omitempty"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`

	// Token is populated only in the create response; the plaintext is
	// not recoverable afterwards.
	Token string `json:"token,omitempty"`
}

func keyViewOf(k *domain.ClientKey) keyView {
	return keyView{
		ID:         k.ID,
		TenantID:   k.TenantID,
		Prefix:     k.Prefix,
		Label:      k.Label,
		CreatedBy:  k.CreatedBy,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
		RevokedAt:  k.RevokedAt,
	}
}

func (h *Handlers) createClientKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	// Label is optional; an empty body is fine.
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	createdBy := tenantID
	if t := server.TenantFromContext(r.Context()); t != nil {
		createdBy = t.ID
	}

	key, token, err := h.store.CreateClientKey(r.Context(), tenantID, req.Label, createdBy)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	view := keyViewOf(key)
	view.Token = token
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handlers) listClientKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListClientKeys(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, keyViewOf(k))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handlers) revokeClientKey(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RevokeClientKey(r.Context(), chi.URLParam(r, "keyID")); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mappingRequest struct {
	Priority int `json:"priority"`
}

type mappingView struct {
	TenantID  string    `json:"tenant_id"`
	AccountID string    `json:"account_id"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handlers) upsertMapping(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	accountID := chi.URLParam(r, "accountID")

	var req mappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := h.store.GetTenant(r.Context(), tenantID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if _, err := h.store.GetAccount(r.Context(), accountID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	if err := h.store.UpsertMapping(r.Context(), tenantID, accountID, req.Priority); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mappingView{TenantID: tenantID, AccountID: accountID, Priority: req.Priority})
}

func (h *Handlers) deleteMapping(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	accountID := chi.URLParam(r, "accountID")

	if err := h.store.DeleteMapping(r.Context(), tenantID, accountID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.store.ListMappings(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	views := make([]mappingView, 0, len(mappings))
	for _, m := range mappings {
		views = append(views, mappingView{
			TenantID:  m.TenantID,
			AccountID: m.AccountID,
			Priority:  m.Priority,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.logger.Error("management operation failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
