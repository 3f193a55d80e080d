package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sakif/expense-tracker/internal/config"
	sqliteRepo "github.com/sakif/expense-tracker/internal/repository/sqlite"
	"github.com/sakif/expense-tracker/internal/server"
)

func newRootCommand() *cobra.Command {
	var envFiles []string

	serve := newServeCommand(&envFiles)

	rootCmd := &cobra.Command{
		Use:     "expense-tracker",
		Short:   "Budget and expense ledger with live sync",
		Version: version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv file(s) to load (default .env)")

	rootCmd.AddCommand(serve, newMigrateCommand(&envFiles))
	return rootCmd
}

// loadConfig reads the dotenv files and the environment, then validates.
func loadConfig(envFiles []string) (*config.Config, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

func newServeCommand(envFiles *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*envFiles)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			srv, err := server.New(cfg, logger)
			if err != nil {
				logger.Error("failed to create server", slog.String("error", err.Error()))
				return err
			}

			// Start blocks until the command context is cancelled (SIGINT/SIGTERM).
			if err := srv.Start(cmd.Context()); err != nil {
				logger.Error("server error", slog.String("error", err.Error()))
				return err
			}
			return nil
		},
	}
}

func newMigrateCommand(envFiles *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(*envFiles...); err != nil {
				return err
			}
			cfg := config.Load()
			if cfg.DataBackend != "sqlite" {
				return fmt.Errorf("migrate needs DATA_BACKEND=sqlite, got %q", cfg.DataBackend)
			}

			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
				return fmt.Errorf("creating database directory: %w", err)
			}
			db, err := sqliteRepo.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d\n", cfg.DBPath, db.SchemaVersion())
			return nil
		},
	}
}
