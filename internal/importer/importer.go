// Package importer loads externally-sourced credential files into the
// store. It is a one-time migration path: the upsert is keyed by
// account name and safe to re-run.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage"
)

// Entry is one credential in an import file.
type Entry struct {
	Name           string `json:"name"`
	Provider       string `json:"provider"`
	CredentialType string `json:"credential_type"`

	APIKey string `json:"api_key,omitempty"`
	OAuth  *struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		ExpiresAt    int64    `json:"expires_at"`
		Scopes       []string `json:"scopes,omitempty"`
		Tier         bool     `json:"tier,omitempty"`
	} `json:"oauth,omitempty"`
}

// Result reports what an import run did.
type Result struct {
	Created int
	Updated int
}

// Importer upserts credential files into the store.
type Importer struct {
	store  storage.CredentialStore
	logger *slog.Logger
}

func New(store storage.CredentialStore, logger *slog.Logger) *Importer {
	return &Importer{store: store, logger: logger}
}

// ImportFile reads a JSON array of entries from path and upserts them.
func (i *Importer) ImportFile(ctx context.Context, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read import file: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return Result{}, fmt.Errorf("parse import file: %w", err)
	}

	return i.Import(ctx, entries)
}

// Import upserts entries keyed by account name: existing accounts get
// their credential replaced, unknown names are created. A bad entry
// aborts the run with the entry's name in the error.
func (i *Importer) Import(ctx context.Context, entries []Entry) (Result, error) {
	var res Result

	for _, e := range entries {
		if e.Name == "" {
			return res, errors.New("import entry missing name")
		}
		cred, err := e.credential()
		if err != nil {
			return res, fmt.Errorf("entry %s: %w", e.Name, err)
		}

		existing, err := i.store.GetAccountByName(ctx, e.Name)
		switch {
		case err == nil:
			patch := storage.AccountPatch{Credential: cred}
			if err := i.store.UpdateAccount(ctx, existing.ID, patch); err != nil {
				return res, fmt.Errorf("update %s: %w", e.Name, err)
			}
			res.Updated++
			i.logger.Info("import updated account",
				slog.String("account_name", e.Name),
				slog.String("account_id", existing.ID))

		case errors.Is(err, storage.ErrNotFound):
			id, err := i.store.CreateAccount(ctx, storage.AccountSpec{
				Name:       e.Name,
				Provider:   domain.Provider(e.Provider),
				Credential: cred,
			})
			if err != nil {
				return res, fmt.Errorf("create %s: %w", e.Name, err)
			}
			res.Created++
			i.logger.Info("import created account",
				slog.String("account_name", e.Name),
				slog.String("account_id", id))

		default:
			return res, fmt.Errorf("lookup %s: %w", e.Name, err)
		}
	}

	return res, nil
}

func (e Entry) credential() (domain.Credential, error) {
	switch e.CredentialType {
	case string(domain.CredentialAPIKey):
		if e.APIKey == "" {
			return nil, errors.New("api_key credential without api_key")
		}
		return domain.APIKeyCredential{Secret: e.APIKey}, nil
	case string(domain.CredentialOAuth):
		if e.OAuth == nil || e.OAuth.AccessToken == "" || e.OAuth.RefreshToken == "" {
			return nil, errors.New("oauth credential without both tokens")
		}
		return domain.OAuthCredential{
			Access:    e.OAuth.AccessToken,
			Refresh:   e.OAuth.RefreshToken,
			ExpiresAt: e.OAuth.ExpiresAt,
			Scopes:    e.OAuth.Scopes,
			Tier:      e.OAuth.Tier,
		}, nil
	default:
		return nil, fmt.Errorf("unknown credential_type %q", e.CredentialType)
	}
}
