package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datachat/datachat/internal/api"
	"github.com/datachat/datachat/internal/archive"
	"github.com/datachat/datachat/internal/auth"
	"github.com/datachat/datachat/internal/chat"
	"github.com/datachat/datachat/internal/compose"
	"github.com/datachat/datachat/internal/config"
	"github.com/datachat/datachat/internal/llm"
	"github.com/datachat/datachat/internal/migrations"
	"github.com/datachat/datachat/internal/nl2sql"
	"github.com/datachat/datachat/internal/observability"
	"github.com/datachat/datachat/internal/query"
	"github.com/datachat/datachat/internal/query/duckdb"
	"github.com/datachat/datachat/internal/schema"
	"github.com/datachat/datachat/internal/session"
	sessionpostgres "github.com/datachat/datachat/internal/session/postgres"
	s3store "github.com/datachat/datachat/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("datachat-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("datachat-api stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	businessDB, dialect, err := openBusinessDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = businessDB.Close() }()

	schemaName := cfg.Catalog.SchemaName
	if cfg.Database.Driver == "duckdb" && schemaName == "public" {
		schemaName = "main"
	}
	catalog := schema.NewCatalog(schema.NewSQLLoader(businessDB, schemaName), schema.Config{
		TTL:        cfg.Catalog.TTL,
		StaleGrace: cfg.Catalog.StaleGrace,
	}, logger)
	if _, err := catalog.Snapshot(ctx); err != nil {
		// The catalog keeps retrying with backoff; messages fail transiently meanwhile.
		logger.Warn("initial schema load failed", slog.Any("error", err))
	}

	model, err := llm.New(llm.Config{
		Provider:    cfg.AI.Provider,
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
		MaxTokens:   cfg.AI.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("initialize model client: %w", err)
	}

	synthesizer := nl2sql.NewSynthesizer(model, nl2sql.Config{
		Dialect:          dialect,
		MaxUnsafeRetries: cfg.Chat.MaxUnsafeRetries,
	}, logger)
	executor := query.NewExecutor(businessDB, query.Config{
		RowCap:           cfg.Query.RowCap,
		StatementTimeout: cfg.Query.StatementTimeout,
		ReadOnlyTx:       cfg.Database.Driver == "pgx",
	}, logger)
	var summarizer llm.Client
	if cfg.Compose.Summarize {
		summarizer = model
	}
	composer := compose.NewComposer(summarizer, compose.Config{
		MaxLength: cfg.Compose.MaxLength,
		Summarize: cfg.Compose.Summarize,
	}, logger)

	store, storeHealth, closeStore, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	locker := session.NewLocker()
	orchestrator := chat.NewOrchestrator(store, locker, catalog, synthesizer, executor, composer, chat.Config{
		MessageTimeout: cfg.Chat.MessageTimeout,
		HistoryWindow:  cfg.Sessions.HistoryWindow,
		ReplayWindow:   cfg.Sessions.ReplayWindow,
		RowCap:         cfg.Query.RowCap,
	}, logger)

	janitor := &session.Janitor{
		Store:  store,
		Locker: locker,
		Config: session.JanitorConfig{TTL: cfg.Sessions.TTL, Interval: cfg.Sessions.JanitorInterval},
		Logger: logger,
	}
	var archiveHealth func(context.Context) error
	if cfg.Archive.Enabled {
		objectStore, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.Archive.Endpoint,
			Region:           cfg.Archive.Region,
			Bucket:           cfg.Archive.Bucket,
			AccessKeyID:      cfg.Archive.AccessKeyID,
			SecretAccessKey:  cfg.Archive.SecretAccessKey,
			UseSSL:           cfg.Archive.UseSSL,
			Prefix:           cfg.Archive.Prefix,
			AutoCreateBucket: cfg.Archive.AutoCreateBucket,
		})
		if err != nil {
			return fmt.Errorf("initialize archive store: %w", err)
		}
		janitor.Archiver = archive.NewArchiver(objectStore, logger)
		archiveHealth = objectStore.HealthCheck
	}
	go func() {
		if err := janitor.Run(ctx); err != nil {
			logger.Error("session janitor stopped", slog.Any("error", err))
		}
	}()

	deps := api.Dependencies{
		Logger:       logger,
		Conversation: orchestrator,
		Sessions:     store,
		Catalog:      catalog,
		Readiness: api.CombineReadinessChecks(
			api.CheckDatabase(businessDB),
			api.CheckHealth("session store", storeHealth),
			api.CheckHealth("archive store", archiveHealth),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			return fmt.Errorf("parse static auth keys: %w", err)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("db_driver", cfg.Database.Driver),
			slog.String("session_backend", cfg.Sessions.Backend),
			slog.String("ai_provider", cfg.AI.Provider),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func openBusinessDB(ctx context.Context, cfg config.Config) (*sql.DB, string, error) {
	switch cfg.Database.Driver {
	case "duckdb":
		db, err := duckdb.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
		if err != nil {
			return nil, "", fmt.Errorf("open duckdb database: %w", err)
		}
		return db, "DuckDB", nil
	default:
		db, err := query.OpenPostgres(ctx, query.DBConfig{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, "", fmt.Errorf("open business database: %w", err)
		}
		return db, "PostgreSQL", nil
	}
}

// openSessionStore returns the configured store, its readiness check (nil for
// the in-memory store) and a close function.
func openSessionStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (session.Store, func(context.Context) error, func(), error) {
	if cfg.Sessions.Backend != "postgres" {
		return session.NewMemoryStore(), nil, func() {}, nil
	}

	db, err := sessionpostgres.Open(ctx, sessionpostgres.DBConfig{
		DSN:             cfg.Sessions.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open session store: %w", err)
	}
	if cfg.Profile != config.ProfileProd {
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		applied, err := migrations.NewRunner().Up(migrateCtx, db, 0)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("apply session migrations: %w", err)
		}
		if applied > 0 {
			logger.Info("applied session migrations", slog.Int("count", applied))
		}
	}
	repo := sessionpostgres.NewRepository(db)
	return repo, repo.HealthCheck, func() { _ = db.Close() }, nil
}
