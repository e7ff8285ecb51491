package auth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
	"github.com/tjfontaine/llm-tenant-gateway/internal/pkg/secret"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage/sqldb"
)

func newTestStore(t *testing.T, name string) *sqldb.Store {
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

	return store
}

func mintKey(t *testing.T, store *sqldb.Store, tenantID string) string {
	t.Helper()

	if err := store.CreateTenant(context.Background(), storage.TenantSpec{ID: tenantID}); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	_, token, err := store.CreateClientKey(context.Background(), tenantID, "test", "tester")
	if err != nil {
		t.Fatalf("CreateClientKey() error = %v", err)
	}
	return token
}

func authReason(t *testing.T, err error) domain.AuthReason {
	t.Helper()

	var aerr *domain.AuthError
	if !errors.As(err, &aerr) {
		t.Fatalf("error = %v, want *domain.AuthError", err)
	}
	return aerr.Reason
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantToken  string
		wantReason domain.AuthReason
	}{
		{"missing header", "", "", domain.AuthMissing},
		{"no scheme", "sk-tg-abc", "", domain.AuthMalformed},
		{"wrong scheme", "Token sk-tg-abc", "", domain.AuthMalformed},
		{"empty token", "Bearer ", "", domain.AuthMalformed},
		{"bearer", "Bearer sk-tg-abc", "sk-tg-abc", ""},
		{"case insensitive scheme", "bearer sk-tg-abc", "sk-tg-abc", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			token, err := ExtractBearerToken(r)
			if tt.wantReason != "" {
				if got := authReason(t, err); got != tt.wantReason {
					t.Errorf("reason = %v, want %v", got, tt.wantReason)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractBearerToken() error = %v", err)
			}
			if token != tt.wantToken {
				t.Errorf("token = %q, want %q", token, tt.wantToken)
			}
		})
	}
}

func TestAuthenticator_ValidToken(t *testing.T) {
	store := newTestStore(t, "auth_valid")
	token := mintKey(t, store, "acme")
	a := NewAuthenticator(store)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	tenant, err := a.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if tenant.ID != "acme" {
		t.Errorf("tenant = %q, want acme", tenant.ID)
	}
}

func TestAuthenticator_UnknownToken(t *testing.T) {
	store := newTestStore(t, "auth_unknown")
	mintKey(t, store, "acme")
	a := NewAuthenticator(store)

	_, err := a.AuthenticateToken(context.Background(), "sk-tg-0000000000000000000000000000000000000000000000000000000000000000")
	if got := authReason(t, err); got != domain.AuthInvalid {
		t.Errorf("reason = %v, want %v", got, domain.AuthInvalid)
	}
}

func TestAuthenticator_RevokedToken(t *testing.T) {
	store := newTestStore(t, "auth_revoked")

	if err := store.CreateTenant(context.Background(), storage.TenantSpec{ID: "acme"}); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	key, token, err := store.CreateClientKey(context.Background(), "acme", "test", "tester")
	if err != nil {
		t.Fatalf("CreateClientKey() error = %v", err)
	}
	if err := store.RevokeClientKey(context.Background(), key.ID); err != nil {
		t.Fatalf("RevokeClientKey() error = %v", err)
	}

	a := NewAuthenticator(store)
	_, err = a.AuthenticateToken(context.Background(), token)
	if got := authReason(t, err); got != domain.AuthInvalid {
		t.Errorf("revoked key reason = %v, want %v (indistinguishable from unknown)", got, domain.AuthInvalid)
	}
}

func TestAuthenticator_InactiveTenant(t *testing.T) {
	store := newTestStore(t, "auth_inactive")
	token := mintKey(t, store, "acme")

	inactive := false
	if err := store.UpdateTenant(context.Background(), "acme", storage.TenantPatch{IsActive: &inactive}); err != nil {
		t.Fatalf("UpdateTenant() error = %v", err)
	}

	a := NewAuthenticator(store)
	_, err := a.AuthenticateToken(context.Background(), token)

	var aerr *domain.AuthError
	if !errors.As(err, &aerr) {
		t.Fatalf("error = %v, want *domain.AuthError", err)
	}
	if aerr.Reason != domain.AuthTenantInactive {
		t.Errorf("reason = %v, want %v", aerr.Reason, domain.AuthTenantInactive)
	}
	if aerr.HTTPStatusCode() != http.StatusForbidden {
		t.Errorf("status = %d, want 403", aerr.HTTPStatusCode())
	}
}
