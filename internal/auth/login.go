package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// loginScopes are requested in addition to the resource scope so that the
// refresh token can be redeemed for other SharePoint hosts later.
var loginScopes = []string{"openid", "profile", "offline_access"}

// AuthFlow holds the PKCE state of one interactive login.
type AuthFlow struct {
	Verifier    string
	State       string
	RedirectURL string
	AuthURL     string
	Resource    string
}

// StartAuth generates the PKCE challenge and the authorization URL. The
// redirect goes to http://localhost:{port}/.
func (tm *TokenManager) StartAuth(resource string, port int) (*AuthFlow, error) {
	verifier, err := randomString(32)
	if err != nil {
		return nil, err
	}
	state, err := randomString(16)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	resource = strings.TrimRight(resource, "/")
	scopes := append([]string{}, loginScopes...)
	if resource != "" {
		scopes = append([]string{resource + "/.default"}, scopes...)
	}
	redirect := fmt.Sprintf("http://localhost:%d/", port)

	u, err := url.Parse(tm.endpoint("authorize"))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("client_id", tm.clientID)
	q.Set("response_type", "code")
	q.Set("response_mode", "query")
	q.Set("redirect_uri", redirect)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	q.Set("prompt", "select_account")
	u.RawQuery = q.Encode()

	return &AuthFlow{
		Verifier:    verifier,
		State:       state,
		RedirectURL: redirect,
		AuthURL:     u.String(),
		Resource:    resource,
	}, nil
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ExchangeCode redeems an authorization code and stores the resulting tokens.
func (tm *TokenManager) ExchangeCode(ctx context.Context, flow *AuthFlow, code string) error {
	scopes := append([]string{}, loginScopes...)
	if flow.Resource != "" {
		scopes = append([]string{flow.Resource + "/.default"}, scopes...)
	}

	form := url.Values{}
	form.Set("client_id", tm.clientID)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", flow.RedirectURL)
	form.Set("code_verifier", flow.Verifier)
	form.Set("scope", strings.Join(scopes, " "))

	resp, err := tm.postToken(ctx, form)
	if err != nil {
		return fmt.Errorf("code exchange failed: %w", err)
	}
	if resp.RefreshToken == "" {
		return errors.New("code exchange returned no refresh token")
	}

	tm.mu.Lock()
	tm.cache = &tokenCache{Resources: make(map[string]*Token)}
	tm.mu.Unlock()

	_, err = tm.store(flow.Resource, resp)
	return err
}

// Login runs the interactive authorization code flow. prompt receives the
// authorization URL and is expected to open or print it.
func (tm *TokenManager) Login(ctx context.Context, resource string, prompt func(authURL string)) (Status, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", tm.callbackPort))
	if err != nil {
		return Status{}, fmt.Errorf("failed to start callback listener: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	flow, err := tm.StartAuth(resource, port)
	if err != nil {
		ln.Close()
		return Status{}, err
	}
	tm.logger.Info("Waiting for authorization", zap.Int("port", port))
	prompt(flow.AuthURL)

	code, err := WaitForCallback(ctx, ln, flow.State)
	if err != nil {
		return Status{}, err
	}
	if err := tm.ExchangeCode(ctx, flow, code); err != nil {
		return Status{}, err
	}
	return tm.Status(), nil
}

const callbackPage = `<html>
<head><title>spo</title></head>
<body style="font-family: sans-serif; text-align: center; padding: 50px;">
<h1>Signed in</h1>
<p>You can close this tab and return to the terminal.</p>
</body>
</html>
`

// WaitForCallback serves the OAuth redirect on ln until a code arrives, the
// provider reports an error, or ctx ends. The listener is closed on return.
func WaitForCallback(ctx context.Context, ln net.Listener, expectedState string) (string, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	report := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") == "" && q.Get("code") == "" && q.Get("error") == "" {
			http.NotFound(w, r)
			return
		}
		if q.Get("state") != expectedState {
			http.Error(w, "Invalid state", http.StatusBadRequest)
			report(errors.New("invalid state received"))
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "Sign-in failed: "+e, http.StatusBadRequest)
			report(fmt.Errorf("sign-in failed: %s: %s", e, q.Get("error_description")))
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "No code received", http.StatusBadRequest)
			report(errors.New("no code received"))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(callbackPage))
		select {
		case codeCh <- code:
		default:
		}
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			report(err)
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
		}
		<-serveDone
	}()

	select {
	case code := <-codeCh:
		return code, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
