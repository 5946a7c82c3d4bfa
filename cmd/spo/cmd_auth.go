package main

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spoctl/internal/auth"
	"spoctl/internal/spo"
)

var (
	loginResource  string
	loginNoBrowser bool
	loginWait      time.Duration
)

// loginCmd signs in interactively
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to Microsoft 365",
	Long: `Signs in with the OAuth2 authorization code flow (PKCE).

A browser window opens for the Microsoft sign-in page; the redirect is received
on a local port. The refresh token is stored in ~/.spo/tokens.json and used to
obtain access tokens for every SharePoint host of the tenant.

Example:
  spo login --url https://contoso-admin.sharepoint.com`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

// logoutCmd removes cached tokens
var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove cached tokens",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

// statusCmd shows the signed-in identity
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the signed-in account and cached tokens",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	loginCmd.Flags().StringVar(&loginResource, "url", "", "SharePoint URL to request a token for during sign-in")
	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the sign-in URL instead of opening a browser")
	loginCmd.Flags().DurationVar(&loginWait, "wait", 5*time.Minute, "How long to wait for the browser sign-in")
}

// openBrowser opens target in the default browser.
var openBrowser = func(target string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	case "darwin":
		cmd = exec.Command("open", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}
	return cmd.Start()
}

func runLogin(cmd *cobra.Command, args []string) error {
	if cfg.Auth.AccessToken != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), hintStyle.Render("Note: SPO_ACCESS_TOKEN is set and takes precedence over the signed-in session."))
	}
	resource, err := resourceURL(loginResource)
	if err != nil {
		return err
	}

	tm, err := newTokenManager()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), loginWait)
	defer cancel()

	stderr := cmd.ErrOrStderr()
	st, err := tm.Login(ctx, resource, func(authURL string) {
		if !loginNoBrowser {
			err := openBrowser(authURL)
			if err == nil {
				fmt.Fprintln(stderr, "Opened the sign-in page in your browser.")
				fmt.Fprintln(stderr, mutedStyle.Render("If it did not open, visit: "+authURL))
				return
			}
			logger.Debug("Failed to open browser", zap.Error(err))
		}
		fmt.Fprintln(stderr, "Open this URL to sign in:")
		fmt.Fprintln(stderr, authURL)
	})
	if err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}

	msg := "Signed in"
	if st.Account != "" {
		msg += " as " + st.Account
	}
	return printResult(cmd.OutOrStdout(), msg, st)
}

// resourceURL reduces a SharePoint URL to scheme://host. Empty stays empty.
func resourceURL(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	if !spo.IsAbsoluteHTTPURL(raw) {
		return "", fmt.Errorf("--url %q is not an absolute http(s) URL", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	tm, err := newTokenManager()
	if err != nil {
		return err
	}
	if err := tm.Logout(); err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), "Signed out", map[string]bool{"authenticated": false})
}

// authStatus is the output of 'spo status'.
type authStatus struct {
	Source string `json:"source"` // "cache" or "environment"
	auth.Status
	Expiry *time.Time `json:"expiry,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	if cfg.Auth.AccessToken != "" {
		st := authStatus{Source: "environment", Status: auth.Status{Authenticated: true, Resources: []auth.ResourceStatus{}}}
		if claims := auth.NewStaticTokenProvider(cfg.Auth.AccessToken).Claims(); claims != nil {
			st.Account = claims.Account()
			st.TenantID = claims.TenantID
			if exp := claims.Expiry(); !exp.IsZero() {
				st.Expiry = &exp
			}
		}
		return printStatus(cmd.OutOrStdout(), st)
	}

	tm, err := newTokenManager()
	if err != nil {
		return err
	}
	return printStatus(cmd.OutOrStdout(), authStatus{Source: "cache", Status: tm.Status()})
}
