package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_Refresh(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}

		var req struct {
			GrantType    string `json:"grant_type"`
			ClientID     string `json:"client_id"`
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.GrantType != "refresh_token" {
			t.Errorf("grant_type = %q", req.GrantType)
		}
		if req.ClientID != "client-1" {
			t.Errorf("client_id = %q", req.ClientID)
		}
		if req.RefreshToken != "rt-old" {
			t.Errorf("refresh_token = %q", req.RefreshToken)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"expires_in":    3600,
			"scope":         "inference account:read",
			"is_max":        true,
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "client-1", WithHTTPClient(ts.Client()))

	token, err := c.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if token.AccessToken != "at-new" {
		t.Errorf("AccessToken = %q", token.AccessToken)
	}
	if token.RefreshToken != "rt-new" {
		t.Errorf("RefreshToken = %q", token.RefreshToken)
	}
	if token.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d", token.ExpiresIn)
	}
	if !token.IsMax {
		t.Error("IsMax = false, want true")
	}
}

func TestClient_Refresh_InvalidGrant(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "client-1", WithHTTPClient(ts.Client()))

	_, err := c.Refresh(context.Background(), "rt-dead")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("Refresh() error = %v, want ErrInvalidGrant", err)
	}
}

func TestClient_Refresh_ServerErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "client-1", WithHTTPClient(ts.Client()))

	_, err := c.Refresh(context.Background(), "rt-old")
	var rerr *RefreshError
	if !errors.As(err, &rerr) {
		t.Fatalf("Refresh() error = %T, want *RefreshError", err)
	}
	if !rerr.Transient {
		t.Error("5xx should be classified transient")
	}
}

func TestClient_Refresh_NetworkErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := ts.Client()
	ts.Close() // connection refused from here on

	c := NewClient(ts.URL, "client-1", WithHTTPClient(client))

	_, err := c.Refresh(context.Background(), "rt-old")
	var rerr *RefreshError
	if !errors.As(err, &rerr) {
		t.Fatalf("Refresh() error = %T, want *RefreshError", err)
	}
	if !rerr.Transient {
		t.Error("network failure should be classified transient")
	}
}

func TestClient_Refresh_OtherOAuthErrorIsNotTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "client-1", WithHTTPClient(ts.Client()))

	_, err := c.Refresh(context.Background(), "rt-old")
	if errors.Is(err, ErrInvalidGrant) {
		t.Fatal("invalid_client must not be classified as invalid_grant")
	}
	var rerr *RefreshError
	if !errors.As(err, &rerr) {
		t.Fatalf("Refresh() error = %T, want *RefreshError", err)
	}
	if rerr.Transient {
		t.Error("protocol error should not be transient")
	}
}
