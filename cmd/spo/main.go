package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spoctl/internal/auth"
	"spoctl/internal/config"
	"spoctl/internal/logging"
	"spoctl/internal/spo"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	// Global flags
	verbose      bool
	debug        bool
	outputFormat string
	configPath   string
	timeout      time.Duration

	cfg      *config.Config
	logger   = zap.NewNop()
	closeLog = func() error { return nil }
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "spo",
	Short: "Manage SharePoint Online tenant storage entities",
	Long: `spo manages tenant properties (storage entities) stored on a SharePoint
Online app catalog site.

Writes go through the tenant admin site's CSOM endpoint; reads use the
app catalog's REST API. Sign in once with 'spo login', or provide a token
in SPO_ACCESS_TOKEN.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		outputFormat = strings.ToLower(outputFormat)
		if err := validOutputFormat(outputFormat); err != nil {
			return err
		}

		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", path, err)
		}
		cfg = loaded

		level := cfg.Logging.Level
		if verbose {
			level = "info"
		}
		if debug {
			level = "debug"
		}
		l, closeFn, err := logging.New(logging.Options{
			Level:       level,
			File:        cfg.Logging.File,
			Development: debug,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger, closeLog = l, closeFn
		logging.For(logger, logging.CategoryBoot).Debug("Configuration loaded",
			zap.String("path", path),
			zap.String("tenant", cfg.Auth.Tenant),
			zap.Bool("static_token", cfg.Auth.AccessToken != ""))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging, including request and response bodies")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputText, "Output format: text or json")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.spo/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Operation timeout (default: spo.timeout from config)")

	rootCmd.AddCommand(storageEntityCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the command line and returns the process exit status.
func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		_ = closeLog()
		closeLog = func() error { return nil }
	}()

	// cobra hands the root context only to commands that have none yet.
	setContext(rootCmd, ctx)
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(rootCmd.ErrOrStderr(), err)
		return 1
	}
	return 0
}

func setContext(c *cobra.Command, ctx context.Context) {
	c.SetContext(ctx)
	for _, sub := range c.Commands() {
		setContext(sub, ctx)
	}
}

// commandContext bounds ctx by --timeout, or spo.timeout from the config.
func commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	d := timeout
	if d <= 0 {
		d = cfg.GetTimeout()
	}
	return context.WithTimeout(ctx, d)
}

func newTokenManager() (*auth.TokenManager, error) {
	return auth.NewTokenManager(auth.Config{
		Authority:    cfg.Auth.Authority,
		Tenant:       cfg.Auth.Tenant,
		ClientID:     cfg.Auth.ClientID,
		CallbackPort: cfg.Auth.CallbackPort,
		Logger:       logger,
	})
}

// newTokenProvider prefers a configured access token over the token cache.
func newTokenProvider() (spo.TokenProvider, error) {
	if cfg.Auth.AccessToken != "" {
		return auth.NewStaticTokenProvider(cfg.Auth.AccessToken), nil
	}
	return newTokenManager()
}

func newStorageEntities() (*spo.StorageEntities, error) {
	tokens, err := newTokenProvider()
	if err != nil {
		return nil, err
	}
	client := spo.NewClient(spo.ClientConfig{
		Logger:    logger,
		UserAgent: "spoctl/" + version,
	})
	return spo.NewStorageEntities(client, tokens, spo.StorageEntitiesConfig{
		ApplicationName: cfg.SPO.ApplicationName,
		AdminURL:        cfg.SPO.AdminURL,
		Logger:          logger,
	}), nil
}
