// Package auth obtains Entra ID access tokens for SharePoint Online.
//
// TokenManager keeps a refresh token and per-resource access tokens in a JSON
// file under the user's home directory and refreshes them on demand.
// StaticTokenProvider serves a token supplied through the environment.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ExpiryMargin is how long a cached access token must remain valid to be used.
const ExpiryMargin = 5 * time.Minute

var (
	// ErrNotAuthenticated means no refresh token is available.
	ErrNotAuthenticated = errors.New("not authenticated, run 'spo login'")
	// ErrTokenExpired means a token expired and cannot be renewed.
	ErrTokenExpired = errors.New("token expired, run 'spo login'")
)

// Token is an access token for one resource.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	Expiry      time.Time `json:"expiry"`
}

// ValidAt reports whether the token is usable at now with ExpiryMargin to
// spare.
func (t *Token) ValidAt(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Add(ExpiryMargin).Before(t.Expiry)
}

// tokenCache is the on-disk layout of the token file.
type tokenCache struct {
	RefreshToken string            `json:"refresh_token"`
	Account      string            `json:"account,omitempty"`
	TenantID     string            `json:"tenant_id,omitempty"`
	Resources    map[string]*Token `json:"resources,omitempty"`
}

// tokenResponse is the body of a successful token endpoint call.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// tokenError is the body of a failed token endpoint call.
type tokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// DefaultTokenFile returns ~/.spo/tokens.json.
func DefaultTokenFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".spo", "tokens.json"), nil
}

func loadCache(path string) (*tokenCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cache tokenCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to parse token file %s: %w", path, err)
	}
	if cache.Resources == nil {
		cache.Resources = make(map[string]*Token)
	}
	return &cache, nil
}

func saveCache(path string, cache *tokenCache) error {
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
