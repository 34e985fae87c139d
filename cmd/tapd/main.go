// cmd/tapd/main.go
// Package main implements the entry point for the tap redemption service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moclas17/poap.cards/internal/authority"
	"github.com/moclas17/poap.cards/internal/config"
	"github.com/moclas17/poap.cards/internal/engine"
	"github.com/moclas17/poap.cards/internal/ens"
	"github.com/moclas17/poap.cards/internal/event"
	"github.com/moclas17/poap.cards/internal/metrics"
	"github.com/moclas17/poap.cards/internal/reconcile"
	"github.com/moclas17/poap.cards/internal/sdm"
	"github.com/moclas17/poap.cards/internal/server"
	"github.com/moclas17/poap.cards/internal/storage"
	"github.com/moclas17/poap.cards/internal/telemetry"
)

// homeURL is where browser tap error pages send people.
const homeURL = "https://poap.cards"

// serviceVersion tags traces and exported telemetry.
const serviceVersion = "0.1.0"

// main initializes all components, starts the HTTP server and the
// reconciliation loop, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("tap-redemption-service", serviceVersion, cfg.Env)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no database configured, using in-memory storage")
		store = storage.NewMemory()
	}

	// Initialize the SDM verifier for the configured mode. Config loading
	// already rejected mock in production.
	var verifier sdm.Verifier
	if cfg.SDMMode == config.SDMModeMock {
		logger.Warn("SDM verification running in mock mode, taps are not authenticated")
		verifier = sdm.MockVerifier{}
	} else {
		verifier, err = sdm.NewStrictVerifier(cfg.SDMMasterKey)
		if err != nil {
			logger.Error("failed to initialize SDM verifier", "error", err)
			os.Exit(1)
		}
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisherFromEnv()
	defer pub.Close()

	m := metrics.NewMetrics()
	resolver := ens.NewResolver(cfg.ENSResolverURL, cfg.ENSFallbackURL)
	eng := engine.New(store, verifier, pub, resolver, m, cfg.SDMMode)

	// The reconciliation worker needs claim authority credentials; without
	// them the service still serves taps, it just never reconciles.
	var worker *reconcile.Worker
	if cfg.AuthorityConfigured() {
		tokens := authority.NewTokenSource(store, cfg.AuthorityAuthURL, cfg.AuthorityAudience, cfg.AuthorityClientID, cfg.AuthorityClientSecret)
		client, err := authority.NewClient(tokens, cfg.AuthorityAPIURL, cfg.AuthorityAPIKey, m)
		if err != nil {
			logger.Error("failed to initialize claim authority client", "error", err)
			os.Exit(1)
		}

		var reporter *reconcile.Reporter
		if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
			reporter, err = reconcile.NewReporter(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
			if err != nil {
				logger.Error("failed to initialize reconcile reporter", "error", err)
				os.Exit(1)
			}
		}

		worker = reconcile.NewWorker(store, client, resolver, pub, reporter, m, reconcile.Options{
			BatchSize:       cfg.ReconcileBatchSize,
			ItemDelay:       cfg.ReconcileItemDelay,
			ItemTimeout:     cfg.ReconcileItemTimeout,
			MaxFailedChecks: cfg.ReconcileMaxFailedChecks,
		})
	} else {
		logger.Warn("claim authority not configured, reconciliation disabled")
	}

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(eng, worker, store, cfg.CronSecret, cfg.CronHeader, homeURL)

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Background reconciliation loop, cancelled on shutdown
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	if worker != nil && cfg.ReconcileInterval > 0 {
		go worker.RunLoop(loopCtx, cfg.ReconcileInterval)
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "sdmMode", cfg.SDMMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	stopLoop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	// Close PostgreSQL storage if used
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}
