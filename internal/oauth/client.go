package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tjfontaine/llm-tenant-gateway/internal/pkg/safehttp"
)

// DefaultRefreshTimeout bounds the outbound token-endpoint call. A
// timeout is classified as transient.
const DefaultRefreshTimeout = 10 * time.Second

// TokenResponse is the provider's successful refresh response. The
// refresh token is only present when the provider rotated it.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	IsMax        bool   `json:"is_max,omitempty"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
}

// TokenEndpoint exchanges a refresh token for a new token pair.
type TokenEndpoint interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// Client calls the provider's OAuth token endpoint.
type Client struct {
	httpClient *http.Client
	tokenURL   string
	clientID   string
}

// ClientOption customizes the token client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client (used by tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout overrides the per-refresh timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewClient creates a token-endpoint client with the default safe
// transport and refresh timeout.
func NewClient(tokenURL, clientID string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: safehttp.SafeTransport,
			Timeout:   DefaultRefreshTimeout,
		},
		tokenURL: tokenURL,
		clientID: clientID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ TokenEndpoint = (*Client)(nil)

// Refresh submits the refresh grant. Failures are classified per the
// lifecycle contract: network errors, timeouts and 5xx responses are
// transient; an invalid_grant error body is terminal.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		ClientID:     c.clientID,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, &RefreshError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, &RefreshError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RefreshError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RefreshError{Transient: true, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return nil, &RefreshError{Transient: true, Err: fmt.Errorf("token endpoint returned %d", resp.StatusCode)}
	}

	if resp.StatusCode != http.StatusOK {
		var errResp tokenErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidGrant, errResp.ErrorDescription)
		}
		return nil, &RefreshError{Err: fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, respBody)}
	}

	var token TokenResponse
	if err := json.Unmarshal(respBody, &token); err != nil {
		return nil, &RefreshError{Err: fmt.Errorf("decode token response: %w", err)}
	}
	if token.AccessToken == "" {
		return nil, &RefreshError{Err: fmt.Errorf("token response missing access_token")}
	}

	return &token, nil
}
