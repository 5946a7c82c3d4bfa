package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"spoctl/internal/logging"
)

const (
	DefaultAuthority = "https://login.microsoftonline.com"
	DefaultTenant    = "organizations"
)

// Config configures a TokenManager.
type Config struct {
	Authority string
	Tenant    string
	ClientID  string
	// TokenFile defaults to DefaultTokenFile().
	TokenFile string
	// CallbackPort is the localhost port of the login redirect. Zero picks a
	// free port.
	CallbackPort int
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// TokenManager serves access tokens from the token file, refreshing them with
// the stored refresh token.
type TokenManager struct {
	authority    string
	tenant       string
	clientID     string
	tokenFile    string
	callbackPort int
	httpClient   *http.Client
	logger       *zap.Logger
	now          func() time.Time

	mu    sync.Mutex
	cache *tokenCache
	group singleflight.Group
}

// NewTokenManager creates a token manager and loads the token file if it
// exists.
func NewTokenManager(cfg Config) (*TokenManager, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("auth: client id is required")
	}
	tokenFile := cfg.TokenFile
	if tokenFile == "" {
		var err error
		if tokenFile, err = DefaultTokenFile(); err != nil {
			return nil, err
		}
	}
	tm := &TokenManager{
		authority:    strings.TrimRight(orDefault(cfg.Authority, DefaultAuthority), "/"),
		tenant:       orDefault(cfg.Tenant, DefaultTenant),
		clientID:     cfg.ClientID,
		tokenFile:    tokenFile,
		callbackPort: cfg.CallbackPort,
		httpClient:   cfg.HTTPClient,
		logger:       logging.For(cfg.Logger, logging.CategoryAuth),
		now:          time.Now,
	}
	if tm.httpClient == nil {
		tm.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	cache, err := loadCache(tokenFile)
	switch {
	case err == nil:
		tm.cache = cache
	case errors.Is(err, fs.ErrNotExist):
	default:
		tm.logger.Warn("Ignoring unreadable token file", zap.String("path", tokenFile), zap.Error(err))
	}
	return tm, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// endpoint returns the OAuth2 v2.0 endpoint URL of name (authorize or token).
func (tm *TokenManager) endpoint(name string) string {
	return tm.authority + "/" + url.PathEscape(tm.tenant) + "/oauth2/v2.0/" + name
}

// EnsureAccessToken returns an access token for resource (scheme://host),
// refreshing it when it expires within ExpiryMargin. Concurrent callers for
// the same resource share one refresh.
func (tm *TokenManager) EnsureAccessToken(ctx context.Context, resource string) (string, error) {
	resource = strings.TrimRight(resource, "/")

	tm.mu.Lock()
	if tm.cache == nil || tm.cache.RefreshToken == "" {
		tm.mu.Unlock()
		return "", ErrNotAuthenticated
	}
	if tok := tm.cache.Resources[resource]; tok.ValidAt(tm.now()) {
		tm.mu.Unlock()
		return tok.AccessToken, nil
	}
	tm.mu.Unlock()

	v, err, shared := tm.group.Do(resource, func() (any, error) {
		return tm.refresh(ctx, resource)
	})
	if err != nil {
		return "", err
	}
	if shared {
		tm.logger.Debug("Shared token refresh", zap.String("resource", resource))
	}
	return v.(*Token).AccessToken, nil
}

// refresh redeems the refresh token for resource and persists the result.
func (tm *TokenManager) refresh(ctx context.Context, resource string) (*Token, error) {
	tm.mu.Lock()
	if tok := tm.cache.Resources[resource]; tok.ValidAt(tm.now()) {
		tm.mu.Unlock()
		return tok, nil
	}
	refreshToken := tm.cache.RefreshToken
	tm.mu.Unlock()

	tm.logger.Info("Refreshing access token", zap.String("resource", resource))

	form := url.Values{}
	form.Set("client_id", tm.clientID)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("scope", resource+"/.default offline_access")

	resp, err := tm.postToken(ctx, form)
	if err != nil {
		return nil, err
	}
	return tm.store(resource, resp)
}

// store records a token endpoint response for resource and saves the file.
func (tm *TokenManager) store(resource string, resp *tokenResponse) (*Token, error) {
	tok := &Token{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		Expiry:      tm.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	if claims, err := ParseClaims(resp.AccessToken); err == nil {
		if exp := claims.Expiry(); !exp.IsZero() {
			tok.Expiry = exp
		}
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.cache == nil {
		tm.cache = &tokenCache{Resources: make(map[string]*Token)}
	}
	if resp.RefreshToken != "" {
		tm.cache.RefreshToken = resp.RefreshToken
	}
	if resp.IDToken != "" {
		if claims, err := ParseClaims(resp.IDToken); err == nil {
			tm.cache.Account = claims.Account()
			tm.cache.TenantID = claims.TenantID
		}
	}
	if resource != "" {
		tm.cache.Resources[resource] = tok
	}
	if err := saveCache(tm.tokenFile, tm.cache); err != nil {
		return nil, fmt.Errorf("failed to save tokens: %w", err)
	}
	return tok, nil
}

func (tm *TokenManager) postToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.endpoint("token"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var te tokenError
		_ = json.Unmarshal(body, &te)
		tm.logger.Info("Token endpoint rejected request",
			zap.Int("status", resp.StatusCode),
			zap.String("error", te.Code))
		if te.Code == "invalid_grant" {
			return nil, fmt.Errorf("%s: %w", firstLine(te.Description), ErrTokenExpired)
		}
		if te.Code != "" {
			return nil, fmt.Errorf("token request failed (%d): %s: %s", resp.StatusCode, te.Code, firstLine(te.Description))
		}
		return nil, fmt.Errorf("token request failed (%d): %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}
	return &tr, nil
}

// firstLine trims Entra's multi-line error descriptions (trace and
// correlation ids follow the first line).
func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// ResourceStatus describes one cached access token.
type ResourceStatus struct {
	Resource string    `json:"resource"`
	Expiry   time.Time `json:"expiry"`
	Valid    bool      `json:"valid"`
}

// Status describes the signed-in session.
type Status struct {
	Authenticated bool             `json:"authenticated"`
	Account       string           `json:"account,omitempty"`
	TenantID      string           `json:"tenant_id,omitempty"`
	TokenFile     string           `json:"token_file"`
	Resources     []ResourceStatus `json:"resources"`
}

// Status reports the cached session without contacting the network.
func (tm *TokenManager) Status() Status {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	st := Status{TokenFile: tm.tokenFile, Resources: []ResourceStatus{}}
	if tm.cache == nil || tm.cache.RefreshToken == "" {
		return st
	}
	st.Authenticated = true
	st.Account = tm.cache.Account
	st.TenantID = tm.cache.TenantID
	now := tm.now()
	for res, tok := range tm.cache.Resources {
		st.Resources = append(st.Resources, ResourceStatus{Resource: res, Expiry: tok.Expiry, Valid: tok.ValidAt(now)})
	}
	sort.Slice(st.Resources, func(i, j int) bool { return st.Resources[i].Resource < st.Resources[j].Resource })
	return st
}

// Logout forgets all tokens and deletes the token file.
func (tm *TokenManager) Logout() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.cache = nil
	if err := os.Remove(tm.tokenFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	tm.logger.Info("Signed out", zap.String("path", tm.tokenFile))
	return nil
}
