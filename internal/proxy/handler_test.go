package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/llm-tenant-gateway/internal/auth"
	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
	"github.com/tjfontaine/llm-tenant-gateway/internal/oauth"
	"github.com/tjfontaine/llm-tenant-gateway/internal/pkg/secret"
	"github.com/tjfontaine/llm-tenant-gateway/internal/router"
	"github.com/tjfontaine/llm-tenant-gateway/internal/server"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage/sqldb"
)

type fakeEndpoint struct {
	calls atomic.Int64
}

func (f *fakeEndpoint) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenResponse, error) {
	f.calls.Add(1)
	return &oauth.TokenResponse{AccessToken: "at-refreshed", ExpiresIn: 3600}, nil
}

type fixture struct {
	store    *sqldb.Store
	endpoint *fakeEndpoint
	token    string
	handler  http.Handler // auth middleware + proxy
	upstream *httptest.Server

	gotHeaders atomic.Pointer[http.Header]
	gotBody    atomic.Pointer[[]byte]
}

func newFixture(t *testing.T, name string) *fixture {
	t.Helper()

	codec, err := secret.NewCodec(bytes.Repeat([]byte{0x5a}, secret.KeySize))
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	store, err := sqldb.NewSQLite("file:"+name+"?mode=memory&cache=shared", codec)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.CreateTenant(context.Background(), storage.TenantSpec{ID: "alpha"}); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	_, token, err := store.CreateClientKey(context.Background(), "alpha", "test", "tester")
	if err != nil {
		t.Fatalf("CreateClientKey() error = %v", err)
	}

	f := &fixture{store: store, endpoint: &fakeEndpoint{}, token: token}

	f.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := r.Header.Clone()
		f.gotHeaders.Store(&headers)
		body, _ := io.ReadAll(r.Body)
		f.gotBody.Store(&body)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"msg_1"}`))
	}))
	t.Cleanup(f.upstream.Close)

	manager := oauth.NewManager(store, f.endpoint)
	rt := router.New(store, manager)
	baseURLs := map[domain.Provider]string{
		domain.ProviderDirectAPI:       f.upstream.URL,
		domain.ProviderHostedInference: f.upstream.URL,
	}
	proxy := New(store, rt, baseURLs, WithHTTPClient(f.upstream.Client()))

	f.handler = server.AuthMiddleware(auth.NewAuthenticator(store))(proxy)
	return f
}

func (f *fixture) addAccount(t *testing.T, name string, priority int, cred domain.Credential) string {
	t.Helper()

	id, err := f.store.CreateAccount(context.Background(), storage.AccountSpec{
		Name:       name,
		Provider:   domain.ProviderDirectAPI,
		Credential: cred,
	})
	if err != nil {
		t.Fatalf("CreateAccount(%s) error = %v", name, err)
	}
	if err := f.store.UpsertMapping(context.Background(), "alpha", id, priority); err != nil {
		t.Fatalf("UpsertMapping(%s) error = %v", name, err)
	}
	return id
}

func (f *fixture) post(body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ForwardsWithAPIKey(t *testing.T) {
	f := newFixture(t, "px_apikey")
	f.addAccount(t, "acct-key", 0, domain.APIKeyCredential{Secret: "sk-provider-secret"})

	rec := f.post(`{"model":"claude-opus-4","max_tokens":16}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream response headers not forwarded")
	}
	if rec.Body.String() != `{"id":"msg_1"}` {
		t.Errorf("body = %q", rec.Body.String())
	}

	headers := *f.gotHeaders.Load()
	if got := headers.Get("x-api-key"); got != "sk-provider-secret" {
		t.Errorf("x-api-key = %q, want the decrypted provider key", got)
	}
	// The client's gateway token must not leak upstream.
	if got := headers.Get("Authorization"); got != "" {
		t.Errorf("Authorization forwarded upstream: %q", got)
	}

	var payload map[string]any
	if err := json.Unmarshal(*f.gotBody.Load(), &payload); err != nil {
		t.Fatalf("unmarshal forwarded body: %v", err)
	}
	if payload["model"] != "claude-opus-4-20250514" {
		t.Errorf("model = %v, want the provider-specific id", payload["model"])
	}
	if payload["max_tokens"] != float64(16) {
		t.Errorf("max_tokens = %v, rest of body must be preserved", payload["max_tokens"])
	}
}

func TestHandler_RefreshesOAuthBeforeForwarding(t *testing.T) {
	f := newFixture(t, "px_oauth")
	f.addAccount(t, "acct-oauth", 0, domain.OAuthCredential{
		Access:    "at-stale",
		Refresh:   "rt-1",
		ExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
	})

	rec := f.post(`{"model":"claude-next"}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if n := f.endpoint.calls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}

	headers := *f.gotHeaders.Load()
	if got := headers.Get("Authorization"); got != "Bearer at-refreshed" {
		t.Errorf("Authorization = %q, want the refreshed access token", got)
	}

	// Unmapped logical ids pass through unchanged.
	var payload map[string]any
	if err := json.Unmarshal(*f.gotBody.Load(), &payload); err != nil {
		t.Fatalf("unmarshal forwarded body: %v", err)
	}
	if payload["model"] != "claude-next" {
		t.Errorf("model = %v, want pass-through", payload["model"])
	}
}

func TestHandler_AccountHintHeader(t *testing.T) {
	f := newFixture(t, "px_hint")
	f.addAccount(t, "acct-a", 0, domain.APIKeyCredential{Secret: "sk-a"})
	bID := f.addAccount(t, "acct-b", 1, domain.APIKeyCredential{Secret: "sk-b"})

	rec := f.post(`{"model":"m"}`, map[string]string{AccountHintHeader: bID})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	headers := *f.gotHeaders.Load()
	if got := headers.Get("x-api-key"); got != "sk-b" {
		t.Errorf("x-api-key = %q, want the hinted account's key", got)
	}
}

func TestHandler_NoUsableAccountFailsClosed(t *testing.T) {
	f := newFixture(t, "px_unmapped")

	rec := f.post(`{"model":"m"}`, nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandler_Unauthenticated(t *testing.T) {
	f := newFixture(t, "px_unauth")
	f.addAccount(t, "acct-a", 0, domain.APIKeyCredential{Secret: "sk-a"})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}
}
