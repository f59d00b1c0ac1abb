package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/datachat/datachat/internal/config"
	"github.com/datachat/datachat/internal/demo/seed"
	"github.com/datachat/datachat/internal/observability"
	"github.com/datachat/datachat/internal/query"
)

func main() {
	cfg, err := config.LoadFromEnv("datachat-seed")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	seedCfg, err := seed.LoadConfigFromEnv(os.LookupEnv)
	if err != nil {
		logger.Error("invalid seed config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if seedCfg.Driver == "pgx" {
		db, err = query.OpenPostgres(ctx, query.DBConfig{DSN: seedCfg.DSN, MaxOpenConns: 1})
	} else {
		db, err = seed.OpenDuckDB(ctx, seedCfg.DSN)
	}
	if err != nil {
		logger.Error("failed to open demo database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if _, err := seed.Load(ctx, db, seedCfg, logger); err != nil {
		logger.Error("failed to load demo data", slog.Any("error", err))
		os.Exit(1)
	}
}
