package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// CredentialType discriminates oauth.json entries; spec.md §6 only
// defines "oauth" today, but the field is kept (rather than assumed)
// since a future entry could carry a raw API key under the same file.
type CredentialType string

const CredentialTypeOAuth CredentialType = "oauth"

// Credential is one provider's entry in oauth.json (spec.md §6's exact
// shape). Expires is epoch milliseconds, matching the wire format the
// interactive CLI and the RPC client both read.
type Credential struct {
	Type          CredentialType `json:"type"`
	Refresh       string         `json:"refresh"`
	Access        string         `json:"access"`
	Expires       int64          `json:"expires"`
	EnterpriseURL string         `json:"enterpriseUrl,omitempty"`
	ProjectID     string         `json:"projectId,omitempty"`
	Email         string         `json:"email,omitempty"`
}

// ExpiresAt converts Expires to a time.Time for comparison.
func (c Credential) ExpiresAt() time.Time {
	return time.UnixMilli(c.Expires)
}

// Expired reports whether the access token is already past its
// expiry, with a small safety margin so a refresh started just before
// the provider call still lands before the token dies mid-request.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt().Add(-30 * time.Second))
}

// OAuthStore guards oauth.json the same way SettingsStore guards
// settings.json, but with the 0600/0700 modes spec.md §6 requires since
// this file carries live refresh tokens.
type OAuthStore struct {
	mu          sync.RWMutex
	stateDir    string
	credentials map[string]Credential
}

// LoadOAuthStore reads "<stateDir>/oauth.json", tolerating a missing
// file (no provider is logged in yet).
func LoadOAuthStore(stateDir string) (*OAuthStore, error) {
	store := &OAuthStore{stateDir: stateDir, credentials: map[string]Credential{}}
	data, err := os.ReadFile(OAuthPath(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("config: read oauth.json: %w", err)
	}
	var creds map[string]Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("config: parse oauth.json: %w", err)
	}
	store.credentials = creds
	return store, nil
}

// Get returns the credential for provider, if any.
func (s *OAuthStore) Get(provider string) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[provider]
	return c, ok
}

// Set stores cred for provider and persists the whole file.
func (s *OAuthStore) Set(provider string, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credentials == nil {
		s.credentials = map[string]Credential{}
	}
	s.credentials[provider] = cred
	return s.save()
}

// Remove deletes provider's credential (a "/logout") and persists.
func (s *OAuthStore) Remove(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, provider)
	return s.save()
}

// save writes oauth.json with mode 0600 under a 0700 parent, matching
// the atomic os.MkdirAll + os.WriteFile pattern SettingsStore uses, with
// the tighter modes this file's secrets require. Caller must hold mu.
func (s *OAuthStore) save() error {
	if err := os.MkdirAll(s.stateDir, StateDirMode); err != nil {
		return fmt.Errorf("config: create state dir: %w", err)
	}
	data, err := json.MarshalIndent(s.credentials, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal oauth.json: %w", err)
	}
	if err := os.WriteFile(OAuthPath(s.stateDir), data, OAuthFileMode); err != nil {
		return fmt.Errorf("config: write oauth.json: %w", err)
	}
	return nil
}

// ProviderEndpoint is the subset of oauth2.Config a refresh needs: the
// token endpoint and the client id the provider issued pi's CLI.
// Distinct from the teacher's GenericOAuthProvider, which also carries
// an AuthURL and scopes for the interactive browser login this package
// doesn't perform — pi only ever refreshes a token a prior login
// already stored in oauth.json.
type ProviderEndpoint struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Refresh exchanges cred's refresh token for a new access token via
// endpoint's token URL, the same oauth2.Config-driven mechanism the
// teacher's GenericOAuthProvider.Exchange uses for the authorization-code
// flow — here applied to a refresh_token grant instead, since oauth.json
// already holds a long-lived refresh token from an earlier login.
func Refresh(ctx context.Context, endpoint ProviderEndpoint, cred Credential) (Credential, error) {
	cfg := &oauth2.Config{
		ClientID:     endpoint.ClientID,
		ClientSecret: endpoint.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: endpoint.TokenURL},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.Refresh})
	tok, err := src.Token()
	if err != nil {
		return Credential{}, fmt.Errorf("config: refresh token: %w", err)
	}
	next := cred
	next.Access = tok.AccessToken
	if tok.RefreshToken != "" {
		next.Refresh = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		next.Expires = tok.Expiry.UnixMilli()
	}
	return next, nil
}

// EnsureFresh returns a valid access token for provider, refreshing and
// persisting the credential first if it has expired. Returns an error
// if no credential is stored for provider at all — callers should treat
// that as "not logged in" rather than retry.
func (s *OAuthStore) EnsureFresh(ctx context.Context, provider string, endpoint ProviderEndpoint) (string, error) {
	cred, ok := s.Get(provider)
	if !ok {
		return "", fmt.Errorf("config: no oauth credential stored for %q", provider)
	}
	if !cred.Expired(time.Now()) {
		return cred.Access, nil
	}
	refreshed, err := Refresh(ctx, endpoint, cred)
	if err != nil {
		return "", err
	}
	if err := s.Set(provider, refreshed); err != nil {
		return "", err
	}
	return refreshed.Access, nil
}
