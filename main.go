// Package main is the entry point for the changewatch service.
//
// Usage:
//
//	changewatch serve -c config.yaml  # run the scheduler and HTTP API
//	changewatch init-db               # create the schema
//	changewatch cleanup               # prune old logs and sessions once
//	changewatch run <item-id>         # check one item now
//	changewatch version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/cobra"

	"changewatch/checker"
	"changewatch/config"
	"changewatch/email"
	"changewatch/notify"
	"changewatch/pkg/watch"
	"changewatch/scraper"
	"changewatch/storage"
	"changewatch/storage/bucket"
	"changewatch/storage/sqlite"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		// Cobra already prints the error
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changewatch",
		Short: "Watch web resources for value changes",
		Long: `changewatch periodically fetches HTTP resources, extracts a single value
with a CSS selector, JSONPath expression, or regular expression, and notifies
when that value changes or when checks start or stop failing.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	cmd.AddCommand(
		newServeCommand(),
		newInitDBCommand(),
		newCleanupCommand(),
		newRunCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "changewatch %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

// loadConfig reads --config and --debug and builds the logger to match.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.SlogLevel()
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// app holds the wired components shared by the commands.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      storage.Store
	scraper    *scraper.Scraper
	dispatcher *notify.Dispatcher
	checker    *checker.Checker
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	provider, err := newEmailProvider(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.Telegram.BotToken == "" {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, telegram notifications will fail")
	}
	dispatcher := notify.NewDispatcher(logger).
		Register(watch.ChannelTelegram, notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.APIBase, logger)).
		Register(watch.ChannelEmail, email.New(provider, logger))

	sc := scraper.New(nil, logger).WithTimeout(cfg.FetchTimeout.Duration())

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		scraper:    sc,
		dispatcher: dispatcher,
		checker:    checker.New(store, sc, dispatcher, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store", "error", err)
	}
}

// openStore picks the bucket store when a bucket or local directory is
// configured and SQLite otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch {
	case cfg.StorageBucket != "":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
		return bucket.New(client, cfg.StorageBucket, "", logger), nil

	case cfg.LocalStorage != "":
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Using local storage", "storage_path", cfg.LocalStorage)
		return bucket.New(nil, "", cfg.LocalStorage, logger), nil

	default:
		store, err := sqlite.New(ctx, cfg.DatabasePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		logger.Info("Using SQLite", "path", cfg.DatabasePath)
		return store, nil
	}
}

func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.Email.Provider {
	case config.EmailGmail:
		creds := []byte(cfg.Email.CredentialsJSON)
		if len(creds) == 0 {
			data, err := os.ReadFile(cfg.Email.CredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("read gmail credentials: %w", err)
			}
			creds = data
		}
		p, err := email.NewGmailProviderFromJSON(ctx, creds, logger)
		if err != nil {
			return nil, fmt.Errorf("init gmail provider: %w", err)
		}
		return p, nil

	case config.EmailBrevo:
		return email.NewBrevoProvider(cfg.Email.BrevoAPIKey, cfg.Email.FromAddress, cfg.Email.FromName,
			cfg.Email.BrevoEndpoint, logger), nil

	case config.EmailMock, "":
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil

	default:
		return nil, errors.New("unknown email provider: " + cfg.Email.Provider)
	}
}
