package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSharePoint answers contextinfo, ProcessQuery and REST reads.
type fakeSharePoint struct {
	mu      sync.Mutex
	paths   []string
	queries []string
	digests []string

	pqBody  string
	getBody string
}

func (f *fakeSharePoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.queries = append(f.queries, r.URL.RawQuery)
	f.digests = append(f.digests, r.Header.Get("X-RequestDigest"))
	f.mu.Unlock()

	switch {
	case strings.HasSuffix(r.URL.Path, "/_api/contextinfo"):
		_, _ = io.WriteString(w, `{"FormDigestValue":"abc123","FormDigestTimeoutSeconds":1800}`)
	case strings.HasSuffix(r.URL.Path, "/ProcessQuery"):
		body := f.pqBody
		if body == "" {
			body = `[{"SchemaVersion":"15.0.0.0","LibraryVersion":"16.0.0.0","ErrorInfo":null}]`
		}
		_, _ = io.WriteString(w, body)
	default:
		_, _ = io.WriteString(w, f.getBody)
	}
}

func (f *fakeSharePoint) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

// resetFlags restores every flag to its default so commands can be executed
// repeatedly in one process.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// setupCLI isolates the test from the user's environment.
func setupCLI(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, k := range []string{
		"SPO_TENANT", "SPO_CLIENT_ID", "SPO_ACCESS_TOKEN", "SPO_CALLBACK_PORT",
		"SPO_ADMIN_URL", "SPO_APP_NAME", "SPO_TIMEOUT", "SPO_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
	resetFlags(rootCmd)
	logger = zap.NewNop()
	t.Cleanup(func() { resetFlags(rootCmd) })
	return home
}

func withSharePoint(t *testing.T, fake *fakeSharePoint) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	t.Setenv("SPO_ACCESS_TOKEN", "test-token")
	t.Setenv("SPO_ADMIN_URL", server.URL)
	return server
}

// execute runs the CLI and returns stdout, stderr and the exit status.
func execute(t *testing.T, stdin string, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(stdin))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
	})
	code := run(args)
	return stdout.String(), stderr.String(), code
}

func TestStorageEntitySet(t *testing.T) {
	setupCLI(t)
	fake := &fakeSharePoint{}
	server := withSharePoint(t, fake)

	stdout, stderr, code := execute(t, "", "storageentity", "set",
		"--appCatalogUrl", server.URL+"/sites/apps",
		"--key", "apiUrl",
		"--value", "https://api.contoso.com",
		"--description", "API base")

	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `Storage entity "apiUrl" set`)
	assert.Equal(t, []string{"/_api/contextinfo", "/_vti_bin/client.svc/ProcessQuery"}, fake.requests())
	assert.Equal(t, "abc123", fake.digests[1])
}

// TestStorageEntitySetRepeated runs the same command twice in one process; the
// second run must not inherit the first run's canceled context.
func TestStorageEntitySetRepeated(t *testing.T) {
	setupCLI(t)
	fake := &fakeSharePoint{}
	server := withSharePoint(t, fake)

	args := []string{"se", "set", "--appCatalogUrl", server.URL, "--key", "k", "--value", "v"}
	for i := 0; i < 2; i++ {
		_, stderr, code := execute(t, "", args...)
		require.Equal(t, 0, code, "run %d: %s", i+1, stderr)
	}
	assert.Len(t, fake.requests(), 4)
}

func TestStorageEntitySetJSON(t *testing.T) {
	setupCLI(t)
	server := withSharePoint(t, &fakeSharePoint{})

	stdout, stderr, code := execute(t, "", "-o", "json", "se", "set",
		"--appCatalogUrl", server.URL, "--key", "k", "--value", "v", "--comment", "c")
	require.Equal(t, 0, code, stderr)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, map[string]string{"key": "k", "value": "v", "description": "", "comment": "c"}, got)
}

func TestStorageEntitySetAccessDenied(t *testing.T) {
	setupCLI(t)
	fake := &fakeSharePoint{
		pqBody: `[{"SchemaVersion":"15.0.0.0","ErrorInfo":{"ErrorMessage":"Access denied. You do not have permission to perform this action or access this resource.","ErrorCode":-2147024891,"ErrorTypeName":"System.UnauthorizedAccessException"}}]`,
	}
	server := withSharePoint(t, fake)

	stdout, stderr, code := execute(t, "", "storageentity", "set",
		"--appCatalogUrl", server.URL+"/sites/wrong", "--key", "k", "--value", "v")

	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "Access denied. You do not have permission")
	assert.Contains(t, stderr, "--appCatalogUrl points to the tenant app catalog")
}

func TestStorageEntitySetInvalidInput(t *testing.T) {
	setupCLI(t)
	fake := &fakeSharePoint{}
	withSharePoint(t, fake)

	_, stderr, code := execute(t, "", "storageentity", "set",
		"--appCatalogUrl", "sites/apps", "--key", "k")

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `--appCatalogUrl "sites/apps" is not an absolute http(s) URL`)
	assert.Contains(t, stderr, "--value is required")
	assert.Empty(t, fake.requests())
}

func TestStorageEntitySetNotSignedIn(t *testing.T) {
	setupCLI(t)
	fake := &fakeSharePoint{}
	server := httptest.NewServer(fake)
	defer server.Close()
	t.Setenv("SPO_ADMIN_URL", server.URL)

	_, stderr, code := execute(t, "", "storageentity", "set",
		"--appCatalogUrl", server.URL, "--key", "k", "--value", "v")

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not authenticated")
	assert.Contains(t, stderr, "spo login")
	assert.Empty(t, fake.requests())
}

func TestStorageEntitySetJSONError(t *testing.T) {
	setupCLI(t)
	withSharePoint(t, &fakeSharePoint{})

	_, stderr, code := execute(t, "", "--output", "json", "storageentity", "set", "--key", "k", "--value", "v")
	assert.Equal(t, 1, code)

	var got errorOutput
	require.NoError(t, json.Unmarshal([]byte(stderr), &got))
	assert.Equal(t, "validation", got.Kind)
	assert.Contains(t, got.Error, "--appCatalogUrl is required")
}

func TestStorageEntityGet(t *testing.T) {
	setupCLI(t)
	fake := &fakeSharePoint{getBody: `{"Value":"https://api.contoso.com","Description":"API base","Comment":""}`}
	server := withSharePoint(t, fake)

	stdout, stderr, code := execute(t, "", "storageentity", "get", "--appCatalogUrl", server.URL+"/sites/apps", "--key", "apiUrl")

	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "https://api.contoso.com")
	assert.Contains(t, stdout, "API base")
	assert.Equal(t, []string{"/sites/apps/_api/web/GetStorageEntity(key=@k)"}, fake.requests())
	assert.Equal(t, "@k='apiUrl'", fake.queries[0])
}

func TestStorageEntityGetNotFound(t *testing.T) {
	setupCLI(t)
	server := withSharePoint(t, &fakeSharePoint{getBody: `{"odata.null":true}`})

	_, stderr, code := execute(t, "", "storageentity", "get", "--appCatalogUrl", server.URL, "--key", "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `storage entity "missing": not found`)
}

func TestStorageEntityList(t *testing.T) {
	setupCLI(t)
	fake := &fakeSharePoint{getBody: `{"storageentitiesindex":"{\"zeta\":{\"Value\":\"2\"},\"alpha\":{\"Value\":\"1\",\"Description\":\"first\"}}"}`}
	server := withSharePoint(t, fake)

	stdout, stderr, code := execute(t, "", "storageentity", "list", "--appCatalogUrl", server.URL)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "KEY")
	assert.Less(t, strings.Index(stdout, "alpha"), strings.Index(stdout, "zeta"))

	resetFlags(rootCmd)
	stdout, stderr, code = execute(t, "", "storageentity", "list", "-o", "json", "--appCatalogUrl", server.URL)
	require.Equal(t, 0, code, stderr)
	var got []map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0]["key"])
	assert.Equal(t, "first", got[0]["description"])
}

func TestStorageEntityRemove(t *testing.T) {
	t.Run("declined", func(t *testing.T) {
		setupCLI(t)
		fake := &fakeSharePoint{}
		server := withSharePoint(t, fake)

		stdout, stderr, code := execute(t, "n\n", "storageentity", "remove", "--appCatalogUrl", server.URL, "--key", "k")
		assert.Equal(t, 0, code)
		assert.Empty(t, stdout)
		assert.Contains(t, stderr, `Remove storage entity "k"`)
		assert.Contains(t, stderr, "Aborted")
		assert.Empty(t, fake.requests())
	})

	t.Run("invalid input is rejected before the prompt", func(t *testing.T) {
		setupCLI(t)
		fake := &fakeSharePoint{}
		withSharePoint(t, fake)

		stdout, stderr, code := execute(t, "", "storageentity", "remove")
		assert.Equal(t, 1, code)
		assert.Empty(t, stdout)
		assert.Contains(t, stderr, "--appCatalogUrl is required")
		assert.Contains(t, stderr, "--key is required")
		assert.NotContains(t, stderr, "[y/N]")
		assert.NotContains(t, stderr, "Aborted")
		assert.Empty(t, fake.requests())
	})

	t.Run("prompt accepted", func(t *testing.T) {
		setupCLI(t)
		fake := &fakeSharePoint{}
		server := withSharePoint(t, fake)

		stdout, stderr, code := execute(t, "yes\n", "storageentity", "remove", "--appCatalogUrl", server.URL, "--key", "k")
		require.Equal(t, 0, code, stderr)
		assert.Contains(t, stdout, `Storage entity "k" removed`)
		assert.Len(t, fake.requests(), 2)
	})

	t.Run("confirm flag", func(t *testing.T) {
		setupCLI(t)
		fake := &fakeSharePoint{}
		server := withSharePoint(t, fake)

		_, stderr, code := execute(t, "", "storageentity", "remove", "--confirm", "--appCatalogUrl", server.URL, "--key", "k")
		require.Equal(t, 0, code, stderr)
		assert.NotContains(t, stderr, "[y/N]")
		assert.Len(t, fake.requests(), 2)
	})
}

func TestInvalidOutputFormat(t *testing.T) {
	setupCLI(t)
	_, stderr, code := execute(t, "", "-o", "yaml", "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "invalid --output")
}

func TestInvalidConfigFile(t *testing.T) {
	setupCLI(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("spo:\n  timeout: soon\n"), 0o600))

	_, stderr, code := execute(t, "", "--config", path, "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "spo.timeout")
}

func TestStatusWithEnvironmentToken(t *testing.T) {
	setupCLI(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"upn": "adele@contoso.com",
		"tid": "tenant-1",
		"exp": 4102444800,
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	t.Setenv("SPO_ACCESS_TOKEN", token)

	stdout, stderr, code := execute(t, "", "status", "-o", "json")
	require.Equal(t, 0, code, stderr)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, "environment", got["source"])
	assert.Equal(t, "adele@contoso.com", got["account"])
	assert.Equal(t, "tenant-1", got["tenant_id"])
	assert.Equal(t, true, got["authenticated"])
}

func TestStatusNotSignedIn(t *testing.T) {
	setupCLI(t)
	stdout, stderr, code := execute(t, "", "status")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Not signed in")
}

func TestLoginStatusLogout(t *testing.T) {
	home := setupCLI(t)

	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"preferred_username": "adele@contoso.com",
		"tid":                "tenant-1",
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/contoso.onmicrosoft.com/oauth2/v2.0/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access",
			"refresh_token": "refresh",
			"id_token":      idToken,
			"expires_in":    3600,
		})
	}))
	defer idp.Close()

	configPath := filepath.Join(home, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(
		"auth:\n  authority: "+idp.URL+"\n  tenant: contoso.onmicrosoft.com\n  client_id: client-1\n"), 0o600))

	origOpen := openBrowser
	t.Cleanup(func() { openBrowser = origOpen })
	openBrowser = func(target string) error {
		u, err := url.Parse(target)
		if err != nil {
			return err
		}
		q := u.Query()
		callback := q.Get("redirect_uri") + "?code=the-code&state=" + url.QueryEscape(q.Get("state"))
		go func() {
			if resp, err := http.Get(callback); err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	stdout, stderr, code := execute(t, "", "--config", configPath, "login", "--url", "https://contoso-admin.sharepoint.com/sites/x")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Signed in as adele@contoso.com")

	_, err = os.Stat(filepath.Join(home, ".spo", "tokens.json"))
	require.NoError(t, err)

	resetFlags(rootCmd)
	stdout, stderr, code = execute(t, "", "--config", configPath, "status")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "adele@contoso.com")
	assert.Contains(t, stdout, "https://contoso-admin.sharepoint.com")

	resetFlags(rootCmd)
	stdout, stderr, code = execute(t, "", "--config", configPath, "logout")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Signed out")

	_, err = os.Stat(filepath.Join(home, ".spo", "tokens.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestResourceURL(t *testing.T) {
	got, err := resourceURL("https://contoso.sharepoint.com/sites/apps")
	require.NoError(t, err)
	assert.Equal(t, "https://contoso.sharepoint.com", got)

	got, err = resourceURL("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = resourceURL("contoso.sharepoint.com")
	assert.Error(t, err)
}
