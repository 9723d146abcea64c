package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/talentpay/backend/internal/config"
	"github.com/talentpay/backend/internal/escrow"
	"github.com/talentpay/backend/internal/ledger"
	"github.com/talentpay/backend/internal/middleware"
	"github.com/talentpay/backend/internal/payments"
	"github.com/talentpay/backend/internal/processor"
	"github.com/talentpay/backend/internal/reconciler"
	"github.com/talentpay/backend/internal/scheduler"
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
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		slog.Error("Invalid DATABASE_URL", "error", err)
		os.Exit(1)
	}
	// Money columns are numeric; scan them straight into decimal.Decimal.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	schemaFile := os.Getenv("SCHEMA_FILE")
	if schemaFile == "" {
		schemaFile = "migrations/schema.sql"
	}
	schemaSQL, err := os.ReadFile(schemaFile)
	if err != nil {
		slog.Error("Failed to read schema file", "path", schemaFile, "error", err)
		os.Exit(1)
	}
	if _, err := pool.Exec(ctx, string(schemaSQL)); err != nil {
		slog.Error("Schema bootstrap failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo)

	// Payment state machine
	paymentRepo := payments.NewRepository(pool)
	paymentSvc := payments.NewService(paymentRepo, ledgerSvc, cfg, logger)

	// Processor adapter & escrow manager
	processorClient := processor.NewClient(cfg)
	escrowSvc := escrow.NewService(paymentSvc, processorClient, cfg, logger)

	// Settlement reconciler
	reconcilerSvc := reconciler.NewService(paymentSvc, escrowSvc, cfg, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, reconciler.NewEventWorker(reconcilerSvc, logger))
	river.AddWorker(workers, scheduler.NewSweepWorker(escrowSvc, paymentRepo, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(time.Hour),
				func() (river.JobArgs, *river.InsertOpts) {
					return scheduler.ReleaseSweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertEvent := func(ctx context.Context, args reconciler.EventArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}

	paymentHandler := payments.NewHandler(paymentSvc, paymentRepo, processorClient, logger)
	escrowHandler := escrow.NewHandler(escrowSvc, logger)
	ledgerHandler := ledger.NewHandler(ledgerSvc, ledgerRepo, logger)
	webhookHandler := reconciler.NewHandler(insertEvent, logger)

	mux := http.NewServeMux()
	registerRoutes(mux, paymentHandler, escrowHandler, ledgerHandler, webhookHandler)

	handler := middleware.Recover(logger)(middleware.RequestLogger(logger)(mux))
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(handler)

	// Start River client (reconciles processor events, runs the release sweep)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
