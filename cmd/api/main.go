package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/tryonlab/backend/internal/api"
	"github.com/tryonlab/backend/internal/assets"
	"github.com/tryonlab/backend/internal/auth"
	"github.com/tryonlab/backend/internal/compositor"
	"github.com/tryonlab/backend/internal/config"
	"github.com/tryonlab/backend/internal/database"
	"github.com/tryonlab/backend/internal/execution"
	"github.com/tryonlab/backend/internal/history"
	"github.com/tryonlab/backend/internal/ledger"
	"github.com/tryonlab/backend/internal/router"
	"github.com/tryonlab/backend/internal/storage"
	"github.com/tryonlab/backend/internal/tryon"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	if err := database.Migrate(cfg.DatabaseURL); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	// Storage backend is chosen once here; everything else sees the Store
	// interface through the retrying Service.
	var backend storage.Store
	switch cfg.Storage.Backend {
	case config.BackendS3:
		backend, err = storage.NewS3(ctx, cfg.Storage, logger)
		if err != nil {
			slog.Error("Failed to build S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		backend = storage.NewLocal(cfg.Storage.UploadDir, logger)
	}
	store := storage.NewService(backend, logger)
	slog.Info("Storage backend ready", "type", store.Type())

	comp := compositor.NewClient(cfg.Compositor, logger)
	if !comp.Configured() {
		slog.Warn("Compositor API key missing; try-on requests will be rejected")
	}

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo, ledgerRepo, ledgerRepo, logger)

	// Assets
	assetRepo := assets.NewRepository(pool)
	assetSvc := assets.NewService(assetRepo, store, logger)

	// History (read side of results; tryon writes through the same repo)
	historyRepo := history.NewRepository(pool)
	historySvc := history.NewService(historyRepo, store, logger)

	// Try-on orchestrator: the queue insert func is set after the River
	// client exists (breaks the init cycle).
	var insertMu sync.Mutex
	var insertFn tryon.InsertTryonTxFunc
	insertTryon := func(ctx context.Context, tx pgx.Tx, args execution.ProcessTryonArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	sessionRepo := tryon.NewRepository(pool)
	tryonSvc := tryon.NewService(sessionRepo, assetSvc, ledgerSvc, store, comp,
		historyRepo, insertTryon, cfg.TryonCredits, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewTryonWorker(tryonSvc))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.ProcessTryonArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Auth
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, ledgerSvc, cfg.JWTSecret, cfg.InitialGrant)

	// Background reconciliation: stale-session sweep and deleted-asset
	// janitor share one cron schedule.
	sweeper := tryon.NewSweeper(sessionRepo, ledgerSvc, cfg.Sweep.SessionStaleAfter, logger)
	c := cron.New()
	if _, err := c.AddFunc(cfg.Sweep.Schedule, func() {
		if _, err := sweeper.Run(ctx); err != nil {
			slog.Error("Session sweep failed", "error", err)
		}
		cutoff := time.Now().Add(-cfg.Sweep.AssetArchiveAfter)
		if _, err := assetSvc.ArchiveDeletedObjects(ctx, cutoff, 500); err != nil {
			slog.Error("Asset janitor failed", "error", err)
		}
	}); err != nil {
		slog.Error("Invalid sweep schedule", "schedule", cfg.Sweep.Schedule, "error", err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	apiRouter := router.New(router.Handlers{
		Auth:    auth.NewHandler(authSvc, logger),
		Assets:  assets.NewHandler(assetSvc, logger),
		Tryon:   tryon.NewHandler(tryonSvc, logger),
		History: history.NewHandler(historySvc, logger),
		Ledger:  ledger.NewHandler(ledgerSvc, logger),
		Health:  api.Health(pool),
	}, authSvc)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiRouter)
	if store.Type() == config.BackendLocal {
		// Local objects are served straight from disk; S3 uses presigned URLs.
		prefix := "/" + cfg.Storage.UploadDir + "/"
		mux.Handle("GET "+prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(cfg.Storage.UploadDir))))
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	addr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", addr)
	if err := http.ListenAndServe(addr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
