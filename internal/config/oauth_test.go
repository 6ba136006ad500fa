package config

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"testing"
	"time"
)

func TestOAuthStore_LoadMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadOAuthStore(dir)
	if err != nil {
		t.Fatalf("LoadOAuthStore: %v", err)
	}
	if _, ok := store.Get("anthropic"); ok {
		t.Error("Get() on empty store should report not found")
	}
}

func TestOAuthStore_SetPersistsWithRestrictiveModes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX file modes don't apply on windows")
	}
	dir := t.TempDir()
	store, err := LoadOAuthStore(dir)
	if err != nil {
		t.Fatalf("LoadOAuthStore: %v", err)
	}

	cred := Credential{Type: CredentialTypeOAuth, Refresh: "r1", Access: "a1", Expires: time.Now().Add(time.Hour).UnixMilli()}
	if err := store.Set("anthropic", cred); err != nil {
		t.Fatalf("Set: %v", err)
	}

	dirInfo, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat state dir: %v", err)
	}
	if dirInfo.Mode().Perm() != StateDirMode {
		t.Errorf("state dir mode = %v, want %v", dirInfo.Mode().Perm(), os.FileMode(StateDirMode))
	}

	fileInfo, err := os.Stat(OAuthPath(dir))
	if err != nil {
		t.Fatalf("stat oauth.json: %v", err)
	}
	if fileInfo.Mode().Perm() != OAuthFileMode {
		t.Errorf("oauth.json mode = %v, want %v", fileInfo.Mode().Perm(), os.FileMode(OAuthFileMode))
	}

	reloaded, err := LoadOAuthStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Get("anthropic")
	if !ok {
		t.Fatal("reloaded store missing credential")
	}
	if got != cred {
		t.Errorf("reloaded credential = %+v, want %+v", got, cred)
	}
}

func TestOAuthStore_Remove(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadOAuthStore(dir)
	if err != nil {
		t.Fatalf("LoadOAuthStore: %v", err)
	}
	cred := Credential{Type: CredentialTypeOAuth, Refresh: "r1", Access: "a1"}
	if err := store.Set("openai", cred); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Remove("openai"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := store.Get("openai"); ok {
		t.Error("credential should be gone after Remove")
	}
}

func TestCredential_Expired(t *testing.T) {
	now := time.Now()
	fresh := Credential{Expires: now.Add(time.Hour).UnixMilli()}
	if fresh.Expired(now) {
		t.Error("fresh credential reported as expired")
	}
	stale := Credential{Expires: now.Add(-time.Minute).UnixMilli()}
	if !stale.Expired(now) {
		t.Error("stale credential not reported as expired")
	}
	// Within the 30s safety margin of expiry should already count as expired.
	almostStale := Credential{Expires: now.Add(10 * time.Second).UnixMilli()}
	if !almostStale.Expired(now) {
		t.Error("credential inside the refresh safety margin should be treated as expired")
	}
}

func TestRefresh_ExchangesRefreshTokenForAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("refresh_token") != "old-refresh" {
			http.Error(w, "wrong refresh token", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	endpoint := ProviderEndpoint{ClientID: "pi-cli", TokenURL: server.URL}
	cred := Credential{Type: CredentialTypeOAuth, Refresh: "old-refresh", Access: "old-access"}

	refreshed, err := Refresh(context.Background(), endpoint, cred)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.Access != "new-access" {
		t.Errorf("Access = %q, want new-access", refreshed.Access)
	}
	if refreshed.Refresh != "new-refresh" {
		t.Errorf("Refresh = %q, want new-refresh", refreshed.Refresh)
	}
	if refreshed.Expires == 0 {
		t.Error("Expires not populated from expires_in")
	}
}

func TestOAuthStore_EnsureFreshSkipsRefreshWhenValid(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadOAuthStore(dir)
	if err != nil {
		t.Fatalf("LoadOAuthStore: %v", err)
	}
	cred := Credential{Type: CredentialTypeOAuth, Access: "still-good", Expires: time.Now().Add(time.Hour).UnixMilli()}
	if err := store.Set("anthropic", cred); err != nil {
		t.Fatalf("Set: %v", err)
	}

	access, err := store.EnsureFresh(context.Background(), "anthropic", ProviderEndpoint{})
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if access != "still-good" {
		t.Errorf("access = %q, want still-good (no refresh should have happened)", access)
	}
}

func TestOAuthStore_EnsureFreshErrorsWithoutCredential(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadOAuthStore(dir)
	if err != nil {
		t.Fatalf("LoadOAuthStore: %v", err)
	}
	if _, err := store.EnsureFresh(context.Background(), "anthropic", ProviderEndpoint{}); err == nil {
		t.Error("expected error for a provider with no stored credential")
	}
}
