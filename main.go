package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go-crowdwork/api"
	"go-crowdwork/assignment"
	"go-crowdwork/bulktx"
	"go-crowdwork/config"
	"go-crowdwork/gateway"
	"go-crowdwork/logging"
	"go-crowdwork/queue"
	"go-crowdwork/registration"
	"go-crowdwork/store"
	"go-crowdwork/tracing"
	"go-crowdwork/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("crowdwork", os.Stderr)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize Postgres: %v", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	q, err := queue.NewRedis(cfg.RedisURL, cfg.QueueName, cfg.JobMaxAttempts)
	if err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
	}
	defer q.Close()

	pool := worker.New(q, worker.Options{
		Workers:         cfg.WorkerCount,
		JobTimeout:      cfg.JobTimeout,
		RetryBackoff:    cfg.RetryBackoff,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	deps := api.Deps{
		Resolver: assignment.NewResolver(db, logger),
		Tracker:  assignment.NewTracker(db, logger),
		Records:  db,
		Checks:   map[string]api.Pinger{"postgres": db, "redis": q},
	}

	if cfg.PaymentsEnabled() {
		gw := gateway.New(gateway.Config{
			BaseURL:       cfg.Gateway.BaseURL,
			KeyID:         cfg.Gateway.KeyID,
			KeySecret:     cfg.Gateway.KeySecret,
			AccountNumber: cfg.Gateway.AccountNumber,
			Timeout:       cfg.Gateway.Timeout,
		}, logger)

		saga := registration.NewSaga(db, gw, q, cfg.ServerName, logger)
		pool.Register(registration.JobName, saga, saga.Callbacks())

		orchestrator := bulktx.NewOrchestrator(db, q, cfg.ServerName, logger)
		pool.Register(bulktx.JobName, bulktx.NewProcessor(db, gw, logger), orchestrator.Callbacks())

		reconciler, err := bulktx.NewReconciler(db, cfg.Reconcile.Schedule, cfg.Reconcile.StaleAfter, logger)
		if err != nil {
			log.Fatalf("Failed to initialize reconciler: %v", err)
		}
		go reconciler.Start(ctx)

		deps.Registration = saga
		deps.Bulk = orchestrator
	} else {
		logger.Warn("payment gateway not configured, payments routes and workers are disabled")
	}

	pool.Start(ctx)

	server := api.NewServer(cfg.ServerAddr, deps, logger)
	go func() {
		logger.Info("starting server", "addr", cfg.ServerAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := pool.Stop(); err != nil {
		logger.Error("workers did not stop cleanly", "error", err)
	}
	logger.Info("all workers stopped")
}
