// Package proxy builds outbound provider calls for authenticated
// tenants. The chosen account's secret is decrypted at the last moment,
// written only into the outbound request, and never logged or retained.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
	"github.com/tjfontaine/llm-tenant-gateway/internal/oauth"
	"github.com/tjfontaine/llm-tenant-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/llm-tenant-gateway/internal/pkg/secret"
	"github.com/tjfontaine/llm-tenant-gateway/internal/router"
	"github.com/tjfontaine/llm-tenant-gateway/internal/server"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage"
)

// AccountHintHeader lets a caller pin the request to a specific mapped
// account, overriding priority order when the account is usable.
const AccountHintHeader = "X-Gateway-Account"

const maxRequestBody = 20 * 1024 * 1024

// Handler forwards proxied requests to the selected provider.
type Handler struct {
	store    storage.CredentialStore
	router   *router.Router
	baseURLs map[domain.Provider]string
	client   *http.Client
	logger   *slog.Logger
}

// Option customizes a Handler.
type Option func(*Handler)

// WithHTTPClient replaces the outbound client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.client = c }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// New creates a proxy handler. baseURLs maps each provider to its API
// origin.
func New(store storage.CredentialStore, rt *router.Router, baseURLs map[domain.Provider]string, opts ...Option) *Handler {
	h := &Handler{
		store:    store,
		router:   rt,
		baseURLs: baseURLs,
		client:   safehttp.Client(5 * time.Minute),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenant := server.TenantFromContext(r.Context())
	if tenant == nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	acct, err := h.router.SelectAccount(r.Context(), tenant, r.Header.Get(AccountHintHeader))
	if err != nil {
		h.writeRoutingError(w, r, tenant.ID, err)
		return
	}
	server.AddLogField(r.Context(), "account_id", acct.ID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	body = rewriteModelField(acct.Provider, body)

	baseURL, ok := h.baseURLs[acct.Provider]
	if !ok {
		h.logger.Error("no base url configured for provider",
			slog.String("provider", string(acct.Provider)))
		http.Error(w, "provider not configured", http.StatusBadGateway)
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, baseURL+r.URL.Path, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	out.URL.RawQuery = r.URL.RawQuery
	if ct := r.Header.Get("Content-Type"); ct != "" {
		out.Header.Set("Content-Type", ct)
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		out.Header.Set("Accept", accept)
	}

	if err := h.bindCredential(r, out, acct); err != nil {
		h.writeRoutingError(w, r, tenant.ID, err)
		return
	}

	resp, err := h.client.Do(out)
	if err != nil {
		server.AddError(r.Context(), err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	go h.touchAccount(acct.ID)

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	flushCopy(w, resp.Body)
}

// bindCredential decrypts exactly the one secret the account needs and
// writes it into the outbound request headers.
func (h *Handler) bindCredential(r *http.Request, out *http.Request, acct *domain.Account) error {
	switch acct.Credential.Type() {
	case domain.CredentialAPIKey:
		key, err := h.store.DecryptedSecret(r.Context(), acct.ID, storage.FieldAPIKey)
		if err != nil {
			return err
		}
		out.Header.Set("x-api-key", key)
	case domain.CredentialOAuth:
		access, err := h.store.DecryptedSecret(r.Context(), acct.ID, storage.FieldOAuthAccess)
		if err != nil {
			return err
		}
		out.Header.Set("Authorization", "Bearer "+access)
	default:
		return fmt.Errorf("unknown credential type %q", acct.Credential.Type())
	}
	return nil
}

func (h *Handler) writeRoutingError(w http.ResponseWriter, r *http.Request, tenantID string, err error) {
	server.AddError(r.Context(), err)

	switch {
	case errors.Is(err, domain.ErrNoUsableAccount):
		h.logger.Error("no usable account for tenant", slog.String("tenant_id", tenantID))
		http.Error(w, "no usable account configured for tenant", http.StatusServiceUnavailable)
	case errors.Is(err, secret.ErrCorrupt):
		h.logger.Error("credential decryption failed", slog.String("tenant_id", tenantID))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	case errors.Is(err, oauth.ErrInvalidGrant):
		http.Error(w, "upstream credential requires re-authentication", http.StatusBadGateway)
	default:
		var rerr *oauth.RefreshError
		if errors.As(err, &rerr) {
			http.Error(w, "upstream credential refresh failed", http.StatusBadGateway)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) touchAccount(accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.TouchAccount(ctx, accountID); err != nil {
		h.logger.Debug("failed to bump account last_used_at",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()))
	}
}

// rewriteModelField swaps the logical model id in a JSON request body
// for the provider-specific one. Non-JSON bodies and bodies without a
// model field pass through untouched.
func rewriteModelField(provider domain.Provider, body []byte) []byte {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	raw, ok := payload["model"]
	if !ok {
		return body
	}
	var model string
	if err := json.Unmarshal(raw, &model); err != nil {
		return body
	}

	mapped := router.RewriteModel(provider, model)
	if mapped == model {
		return body
	}

	encoded, err := json.Marshal(mapped)
	if err != nil {
		return body
	}
	payload["model"] = encoded
	rewritten, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return rewritten
}

// flushCopy streams the upstream body through, flushing after each
// chunk so SSE responses arrive incrementally.
func flushCopy(w http.ResponseWriter, src io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
