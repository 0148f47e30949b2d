package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/V4T54L/session-projector/internal/adapter/repository/postgres"
	"github.com/V4T54L/session-projector/internal/pkg/config"
	"github.com/V4T54L/session-projector/internal/pkg/logger"
	"github.com/V4T54L/session-projector/internal/usecase"
)

var rootCmd = &cobra.Command{
	Use:   "pipelinectl",
	Short: "Session projector operator CLI",
	Long: `pipelinectl manages the session projector's Postgres schema and work queue.

Configuration is read from the environment (POSTGRES_URL, LOG_LEVEL, ...)
and from a .env file in the working directory, like the services themselves.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json")
}

// The open* hooks build the command dependencies; tests replace them.
var (
	openMigrator = func() (schemaMigrator, error) {
		cfg, log, err := loadConfig()
		if err != nil {
			return nil, err
		}
		return postgres.NewMigrator(cfg.PostgresURL, log)
	}

	openQueueAdmin = func(ctx context.Context) (*usecase.QueueAdminUseCase, func(), error) {
		db, log, err := openDB(ctx)
		if err != nil {
			return nil, nil, err
		}
		return usecase.NewQueueAdminUseCase(postgres.NewQueueRepository(db, log), log), func() { db.Close() }, nil
	}

	openKeyStore = func(ctx context.Context) (keyStore, func(), error) {
		db, log, err := openDB(ctx)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewAPIKeyRepository(db, log, 0, nil), func() { db.Close() }, nil
	}
)

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logger.New(cfg.LogLevel), nil
}

func openDB(ctx context.Context) (*sql.DB, *slog.Logger, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := postgres.Open(ctx, cfg.PostgresURL, postgres.PoolConfig{MaxOpenConns: 2})
	if err != nil {
		return nil, nil, err
	}
	return db, log, nil
}

func wantJSON(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("output")
	return format == "json"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// stderr is where progress messages go so stdout stays parseable.
var stderr io.Writer = os.Stderr
