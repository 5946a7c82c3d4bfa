package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAuthority       = "https://login.microsoftonline.com"
	DefaultTenant          = "organizations"
	DefaultClientID        = "31359c7f-bd7e-475c-86db-fdb8c937548e"
	DefaultApplicationName = "spoctl"
	DefaultTimeout         = 2 * time.Minute
)

// Config holds all spo configuration.
type Config struct {
	Auth    AuthConfig    `yaml:"auth"`
	SPO     SPOConfig     `yaml:"spo"`
	Logging LoggingConfig `yaml:"logging"`
}

// AuthConfig configures sign-in against Entra ID.
type AuthConfig struct {
	Authority string `yaml:"authority"`
	Tenant    string `yaml:"tenant"` // tenant id, domain, or "organizations"
	ClientID  string `yaml:"client_id"`
	// AccessToken, when set, is used as is and the token cache is bypassed.
	AccessToken  string `yaml:"access_token,omitempty"`
	CallbackPort int    `yaml:"callback_port"` // 0 picks a free port
}

// SPOConfig configures SharePoint requests.
type SPOConfig struct {
	// AdminURL overrides the admin site derived from --appCatalogUrl.
	AdminURL        string `yaml:"admin_url,omitempty"`
	ApplicationName string `yaml:"application_name"`
	Timeout         string `yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Auth: AuthConfig{
			Authority: DefaultAuthority,
			Tenant:    DefaultTenant,
			ClientID:  DefaultClientID,
		},
		SPO: SPOConfig{
			ApplicationName: DefaultApplicationName,
			Timeout:         DefaultTimeout.String(),
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// DefaultConfigPath returns ~/.spo/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".spo", "config.yaml")
	}
	return filepath.Join(home, ".spo", "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("SPO_TENANT"); v != "" {
		c.Auth.Tenant = v
	}
	if v := os.Getenv("SPO_CLIENT_ID"); v != "" {
		c.Auth.ClientID = v
	}
	if v := os.Getenv("SPO_ACCESS_TOKEN"); v != "" {
		c.Auth.AccessToken = v
	}
	if v := os.Getenv("SPO_CALLBACK_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SPO_CALLBACK_PORT %q: %w", v, err)
		}
		c.Auth.CallbackPort = port
	}
	if v := os.Getenv("SPO_ADMIN_URL"); v != "" {
		c.SPO.AdminURL = v
	}
	if v := os.Getenv("SPO_APP_NAME"); v != "" {
		c.SPO.ApplicationName = v
	}
	if v := os.Getenv("SPO_TIMEOUT"); v != "" {
		c.SPO.Timeout = v
	}
	if v := os.Getenv("SPO_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// GetTimeout returns the per-command timeout as a duration.
func (c *Config) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.SPO.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := checkHTTPURL("auth.authority", c.Auth.Authority); err != nil {
		return err
	}
	if strings.TrimSpace(c.Auth.Tenant) == "" {
		return fmt.Errorf("auth.tenant must not be empty")
	}
	if strings.TrimSpace(c.Auth.ClientID) == "" {
		return fmt.Errorf("auth.client_id must not be empty")
	}
	if c.Auth.CallbackPort < 0 || c.Auth.CallbackPort > 65535 {
		return fmt.Errorf("auth.callback_port %d out of range", c.Auth.CallbackPort)
	}
	if c.SPO.AdminURL != "" {
		if err := checkHTTPURL("spo.admin_url", c.SPO.AdminURL); err != nil {
			return err
		}
	}
	if c.SPO.Timeout != "" {
		d, err := time.ParseDuration(c.SPO.Timeout)
		if err != nil {
			return fmt.Errorf("spo.timeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("spo.timeout must be positive, got %s", c.SPO.Timeout)
		}
	}
	return c.Logging.Validate()
}

func checkHTTPURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s %q is not an absolute http(s) URL", key, raw)
	}
	return nil
}
