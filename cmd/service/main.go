// cmd/service/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gitlab-stats-engine/internal/config"
	"gitlab-stats-engine/internal/fetcher"
	"gitlab-stats-engine/internal/gitlab"
	"gitlab-stats-engine/internal/store"
	"gitlab-stats-engine/internal/syncer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Application error", "error", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "gitlab-stats",
		Short:         "Aggregate GitLab developer activity into dashboard snapshots.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}

	flags := root.PersistentFlags()
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("db-backend", "", "storage backend: postgres or sqlite")
	flags.String("db-url", "", "database connection string or SQLite file path")
	_ = a.v.BindPFlag("LOG_LEVEL", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("DB_BACKEND", flags.Lookup("db-backend"))
	_ = a.v.BindPFlag("DB_URL", flags.Lookup("db-url"))

	root.AddCommand(newServeCmd(a), newAggregateCmd(a), newMigrateCmd(a))
	return root
}

// init sets up the structured logger and loads configuration.
func (a *app) init() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	a.logger = slog.New(handler)
	slog.SetDefault(a.logger)

	// 2. Load configuration
	cfg, err := config.Load(a.v)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	a.cfg = cfg
	a.logger.Info("Configuration loaded successfully", "db_backend", cfg.DBBackend, "gitlab_base_url", cfg.GitlabBaseURL)
	return nil
}

// openStore applies migrations and opens the configured store.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	if err := store.Migrate(a.cfg.DBBackend, a.cfg.DBURL, a.cfg.MigrationsPath, -1); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	a.logger.Info("Database migrations applied successfully")

	st, err := store.New(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Database connection established")
	return st, nil
}

// newSyncer wires the GitLab client, fetcher and syncer around st.
func (a *app) newSyncer(st store.Store) (*syncer.Syncer, error) {
	client, err := gitlab.NewClient(a.cfg.GitlabBaseURL, a.cfg.RequestTimeout, a.logger)
	if err != nil {
		return nil, err
	}
	f := fetcher.NewFetcher(client, a.logger, fetcher.Options{
		Concurrency:         a.cfg.Concurrency,
		PerTokenConcurrency: a.cfg.PerTokenConcurrency,
		MaxRetries:          a.cfg.MaxRetries,
	})
	return syncer.NewSyncer(st, f, a.logger, syncer.Options{
		Lookback:     a.cfg.Lookback,
		SyncInterval: a.cfg.SyncInterval,
		RunTimeout:   a.cfg.RunTimeout,
		Concurrency:  a.cfg.Concurrency,
	}), nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
