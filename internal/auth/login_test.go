package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAuth(t *testing.T) {
	tm := newTestManager(t, nil, nil)

	flow, err := tm.StartAuth(testResource+"/", 8400)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8400/", flow.RedirectURL)
	assert.Equal(t, testResource, flow.Resource)

	u, err := url.Parse(flow.AuthURL)
	require.NoError(t, err)
	assert.Equal(t, "login.example.invalid", u.Host)
	assert.Equal(t, "/contoso-tid/oauth2/v2.0/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "client-123", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, flow.RedirectURL, q.Get("redirect_uri"))
	assert.Equal(t, testResource+"/.default openid profile offline_access", q.Get("scope"))
	assert.Equal(t, flow.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	sum := sha256.Sum256([]byte(flow.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))

	other, err := tm.StartAuth("", 8400)
	require.NoError(t, err)
	assert.NotEqual(t, flow.State, other.State)
	assert.NotEqual(t, flow.Verifier, other.Verifier)
}

func TestExchangeCodeStoresSession(t *testing.T) {
	idToken := signedToken(t, &Claims{
		TenantID:          "tid-1",
		PreferredUsername: "adele@contoso.com",
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "verifier", r.PostForm.Get("code_verifier"))
		assert.Equal(t, "http://localhost:8400/", r.PostForm.Get("redirect_uri"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access",
			"refresh_token": "refresh",
			"id_token":      idToken,
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	tm := newTestManager(t, server, nil)
	flow := &AuthFlow{Verifier: "verifier", RedirectURL: "http://localhost:8400/", Resource: testResource}

	require.NoError(t, tm.ExchangeCode(context.Background(), flow, "the-code"))

	st := tm.Status()
	assert.True(t, st.Authenticated)
	assert.Equal(t, "adele@contoso.com", st.Account)
	assert.Equal(t, "tid-1", st.TenantID)
	require.Len(t, st.Resources, 1)
	assert.Equal(t, testResource, st.Resources[0].Resource)

	tok, err := tm.EnsureAccessToken(context.Background(), testResource)
	require.NoError(t, err)
	assert.Equal(t, "access", tok)
}

func TestExchangeCodeRequiresRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "access", "expires_in": 3600})
	}))
	defer server.Close()

	tm := newTestManager(t, server, nil)
	err := tm.ExchangeCode(context.Background(), &AuthFlow{}, "code")
	assert.ErrorContains(t, err, "no refresh token")
}

// callback sends the redirect the identity provider would send.
func callback(t *testing.T, ln net.Listener, query string) *http.Response {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(fmt.Sprintf("http://%s/?%s", ln.Addr(), query))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestWaitForCallback(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		status  int
		code    string
		wantErr string
	}{
		{"success", "state=s1&code=abc", http.StatusOK, "abc", ""},
		{"wrong state", "state=other&code=abc", http.StatusBadRequest, "", "invalid state"},
		{"provider error", "state=s1&error=access_denied&error_description=user+cancelled", http.StatusBadRequest, "", "access_denied: user cancelled"},
		{"missing code", "state=s1", http.StatusBadRequest, "", "no code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ln := listen(t)

			type result struct {
				code string
				err  error
			}
			done := make(chan result, 1)
			go func() {
				code, err := WaitForCallback(context.Background(), ln, "s1")
				done <- result{code, err}
			}()

			resp := callback(t, ln, tt.query)
			assert.Equal(t, tt.status, resp.StatusCode)

			res := <-done
			if tt.wantErr != "" {
				assert.ErrorContains(t, res.err, tt.wantErr)
				return
			}
			require.NoError(t, res.err)
			assert.Equal(t, tt.code, res.code)
		})
	}
}

func TestWaitForCallbackIgnoresStrayRequests(t *testing.T) {
	ln := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan string, 1)
	go func() {
		code, _ := WaitForCallback(ctx, ln, "s1")
		done <- code
	}()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(fmt.Sprintf("http://%s/favicon.ico", ln.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	callback(t, ln, "state=s1&code=xyz")
	assert.Equal(t, "xyz", <-done)
}

func TestWaitForCallbackCancelled(t *testing.T) {
	ln := listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WaitForCallback(ctx, ln, "s1")
	assert.ErrorIs(t, err, context.Canceled)

	// The listener is closed on return.
	_, err = net.Dial("tcp", ln.Addr().String())
	assert.Error(t, err)
}

func TestParseClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signedToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			Audience:  jwt.ClaimStrings{"https://contoso.sharepoint.com"},
		},
		TenantID:   "tid",
		UniqueName: "adele@contoso.com",
	})

	claims, err := ParseClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "tid", claims.TenantID)
	assert.Equal(t, "adele@contoso.com", claims.Account())
	assert.True(t, exp.Equal(claims.Expiry()))
	assert.Equal(t, jwt.ClaimStrings{"https://contoso.sharepoint.com"}, claims.Audience)

	claims.UPN = "upn@contoso.com"
	assert.Equal(t, "upn@contoso.com", claims.Account())

	_, err = ParseClaims("opaque-token")
	assert.Error(t, err)
}

func TestStaticTokenProvider(t *testing.T) {
	ctx := context.Background()

	opaque := NewStaticTokenProvider("opaque")
	tok, err := opaque.EnsureAccessToken(ctx, testResource)
	require.NoError(t, err)
	assert.Equal(t, "opaque", tok)
	assert.Nil(t, opaque.Claims())

	valid := signedToken(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	tok, err = NewStaticTokenProvider(valid).EnsureAccessToken(ctx, testResource)
	require.NoError(t, err)
	assert.Equal(t, valid, tok)

	expired := signedToken(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))})
	_, err = NewStaticTokenProvider(expired).EnsureAccessToken(ctx, testResource)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = NewStaticTokenProvider("").EnsureAccessToken(ctx, testResource)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}
