package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/clock"
	"go.temporal.io/sdk/client"

	"github.com/zerozero/octolab/internal/app"
	"github.com/zerozero/octolab/internal/infrastructure/auth"
	"github.com/zerozero/octolab/internal/infrastructure/blob"
	"github.com/zerozero/octolab/internal/infrastructure/driver"
	"github.com/zerozero/octolab/internal/infrastructure/services"
	"github.com/zerozero/octolab/internal/orchestrator"
	"github.com/zerozero/octolab/internal/router"
	"github.com/zerozero/octolab/internal/router/middleware"
	"github.com/zerozero/octolab/internal/temporal"
	"github.com/zerozero/octolab/internal/usecase"
	"github.com/zerozero/octolab/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logLevel := cfg.App.LogLevel
	if cfg.App.Debug {
		logLevel = "debug"
	}
	appLogger := logger.NewWithOptions(logger.Options{Level: logLevel, Format: cfg.App.LogFormat})
	appLogger.Info("Starting server", logger.String("environment", cfg.App.Environment))

	ctx := context.Background()

	// Session store
	store, err := app.OpenSessionStore(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to open session store", logger.Error(err))
	}
	defer store.Close()

	// Evidence storage and signing
	blobStore, err := blob.Open(ctx, cfg.Evidence)
	if err != nil {
		appLogger.Fatal("Failed to open evidence store", logger.Error(err))
	}
	signer, err := services.LoadOrCreateFileSigner(cfg.Evidence.SigningKeyPath, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to load evidence signing key", logger.Error(err))
	}
	clk := clock.New()
	deliverer := services.NewEvidenceDeliverer(blobStore, cfg.Delivery, cfg.Evidence.LinkTTL, clk, appLogger)

	// Infrastructure driver: Temporal workflows when enabled, otherwise a local dry run
	var infra orchestrator.InfraDriver
	if cfg.Temporal.Enabled {
		var temporalClient client.Client
		temporalClient, err = temporal.NewClient(cfg.Temporal, appLogger)
		if err != nil {
			appLogger.Fatal("Failed to create Temporal client", logger.Error(err))
		}
		defer temporalClient.Close()
		if cfg.Evidence.BlobDriver == "" || cfg.Evidence.BlobDriver == string(blob.DriverMemory) {
			appLogger.Warn("Temporal driver with in-memory evidence store: staged artifacts from workers will not be visible")
		}
		infra = driver.NewTemporalDriver(temporalClient, cfg.Temporal.LabsTaskQueue, cfg.Temporal.PollInterval, blobStore, clk, appLogger)
	} else {
		appLogger.Info("Temporal integration disabled, using local driver")
		infra = driver.NewLocalDriver(blobStore, clk, cfg.Lab.LocalStepLatency, appLogger)
	}

	// Lifecycle core
	orch := orchestrator.New(orchestrator.ConfigFromLab(cfg.Lab, cfg.Evidence), orchestrator.Deps{
		Repo:      store.Repo,
		Driver:    infra,
		Store:     blobStore,
		Signer:    signer,
		Deliverer: deliverer,
		Clock:     clk,
		Logger:    appLogger,
	})

	catalog, err := services.NewBlueprintCatalog(cfg.Lab.BlueprintCatalog, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to load blueprint catalog", logger.Error(err))
	}

	// Initialize use cases
	labUseCase := usecase.NewLabUseCase(orch, catalog, cfg.Lab, appLogger)

	// Authentication
	var authenticator auth.Authenticator
	if cfg.Auth.DevHeaderAuth {
		appLogger.Warn("Trusting identity headers; do not use in production")
		authenticator = auth.NewHeaderAuth(appLogger)
	} else {
		authenticator, err = auth.NewClerkAuth(cfg.Auth.ClerkSecretKey, cfg.Auth.ClerkJWKSURL, appLogger)
		if err != nil {
			appLogger.Fatal("Failed to initialize Clerk auth", logger.Error(err))
		}
	}

	// Setup router with all dependencies
	deps := &router.Dependencies{
		LabUseCase:  labUseCase,
		Auth:        authenticator,
		Logger:      appLogger,
		Config:      cfg,
		RateLimiter: middleware.NewRateLimiter(cfg.RateLimit.ActivityPerSecond, cfg.RateLimit.ActivityBurst),
	}
	if store.Pool != nil {
		deps.DB = store.Pool
	}
	r := app.SetupRouter(cfg, deps)

	// Start server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Graceful shutdown
	go func() {
		appLogger.Info("Server started", logger.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", logger.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatal("Server forced to shutdown", logger.Error(err))
	}

	appLogger.Info("Server shutdown complete")
}
