package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlchat/sqlchat/internal/acquire"
	"github.com/sqlchat/sqlchat/internal/agent"
	"github.com/sqlchat/sqlchat/internal/api"
	"github.com/sqlchat/sqlchat/internal/api/uistatic"
	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/config"
	"github.com/sqlchat/sqlchat/internal/dbload"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/prompt"
	sqliteengine "github.com/sqlchat/sqlchat/internal/query/sqlite"
	"github.com/sqlchat/sqlchat/internal/session"
	"github.com/sqlchat/sqlchat/internal/storage"
	s3store "github.com/sqlchat/sqlchat/internal/storage/s3"
	"github.com/sqlchat/sqlchat/internal/transcript"
	transcriptpostgres "github.com/sqlchat/sqlchat/internal/transcript/postgres"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlchat-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	startCtx := context.Background()

	var objectStore storage.ObjectStore
	if cfg.ObjectStore.Enabled {
		objectStore, err = s3store.New(startCtx, cfg.ObjectStore)
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
	}

	var templates prompt.TemplateSource = prompt.EmbeddedTemplates{}
	if cfg.Prompt.TemplateSource == "objectstore" {
		templates = prompt.ObjectStoreTemplates{Store: objectStore, Prefix: cfg.Prompt.TemplatePrefix}
	}
	composer, err := prompt.NewComposer(startCtx, prompt.Options{
		Templates:    templates,
		TemplateName: cfg.Prompt.TemplateName,
		SchemaLimit:  cfg.Prompt.SchemaLimit,
		TopK:         cfg.Prompt.TopK,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to build prompt composer", slog.Any("error", err))
		os.Exit(1)
	}

	chatAgent, err := agent.New(startCtx, cfg.Agent)
	if err != nil {
		logger.Error("failed to initialize agent", slog.Any("error", err))
		os.Exit(1)
	}

	readiness := []api.ReadinessCheck{api.CheckAgentConfig(cfg), api.CheckObjectStoreConfig(cfg)}
	var transcripts transcript.Store = transcript.NewMemoryStore()
	if cfg.Transcript.DSN != "" {
		transcriptDB, err := transcriptpostgres.Open(startCtx, transcriptpostgres.DBConfigFrom(cfg.Transcript))
		if err != nil {
			logger.Error("failed to open transcript db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = transcriptDB.Close() }()
		store := transcriptpostgres.NewStore(transcriptDB)
		transcripts = store
		readiness = append(readiness, store.HealthCheck)
	} else {
		logger.Warn("SQLCHAT_TRANSCRIPT_DSN not set; transcripts are kept in memory")
	}

	var archiver *transcript.Archiver
	if cfg.Transcript.ArchiveEnabled {
		archiver = &transcript.Archiver{Store: objectStore, Logger: logger}
	}

	manager, err := session.NewManager(session.Options{
		Loader: &dbload.Loader{
			CountLimit: cfg.Loader.CountLimit,
			SampleRows: cfg.Prompt.SampleRows,
			Logger:     logger,
		},
		Composer:           composer,
		Agent:              chatAgent,
		Transcripts:        transcripts,
		Queries:            sqliteengine.NewEngine(cfg.Session.QueryRowLimit),
		Archiver:           archiver,
		CustomInstructions: cfg.Session.CustomInstructions,
		QueryRowLimit:      cfg.Session.QueryRowLimit,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("failed to initialize session manager", slog.Any("error", err))
		os.Exit(1)
	}

	acquirer := acquire.New(acquire.Options{
		MaxBytes:        cfg.Acquire.MaxBytes,
		DownloadTimeout: cfg.Acquire.DownloadTimeout,
		TempDir:         cfg.Acquire.TempDir,
		Store:           objectStore,
		Logger:          logger,
	})

	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
		Sessions:          manager,
		Acquirer:          acquirer,
		UI:                uistatic.Handler(),
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	janitor := &session.Janitor{
		Manager:          manager,
		IdleTimeout:      cfg.Session.IdleTimeout,
		SweepInterval:    cfg.Session.SweepInterval,
		Archiver:         archiver,
		ArchiveRetention: cfg.Transcript.ArchiveRetention,
		Logger:           logger,
	}
	go func() {
		if err := janitor.Run(ctx); err != nil {
			logger.Error("session janitor stopped", slog.Any("error", err))
		}
	}()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	shutdownErr := server.Shutdown(shutdownCtx)
	closed, failures := manager.Shutdown(shutdownCtx)
	logger.Info("sessions closed", slog.Int("closed", closed), slog.Int("failures", failures))
	if shutdownErr != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", shutdownErr))
		_ = server.Close()
		os.Exit(1)
	}
}
