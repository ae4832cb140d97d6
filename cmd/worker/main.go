package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/worker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/zerozero/octolab/internal/app"
	"github.com/zerozero/octolab/internal/clients"
	"github.com/zerozero/octolab/internal/infrastructure/blob"
	"github.com/zerozero/octolab/internal/temporal"
	"github.com/zerozero/octolab/internal/temporal/registry"
	"github.com/zerozero/octolab/internal/workflows/lab"
	"github.com/zerozero/octolab/pkg/logger"
	"github.com/zerozero/octolab/pkg/metrics"
)

func main() {
	// Load configuration from root .env.local
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	// Initialize logger
	logLevel := cfg.App.LogLevel
	if cfg.App.Debug {
		logLevel = "debug"
	}
	appLogger := logger.NewWithOptions(logger.Options{Level: logLevel, Format: cfg.App.LogFormat})

	appLogger.Info("Starting Temporal worker",
		logger.String("task_queue", cfg.Temporal.LabsTaskQueue),
		logger.String("namespace", cfg.Temporal.Namespace))

	// Create Temporal client
	temporalClient, err := temporal.NewClient(cfg.Temporal, appLogger)
	if err != nil {
		appLogger.Fatal("failed to create Temporal client", logger.Error(err))
	}
	defer temporalClient.Close()

	// Provisioner REST client
	provisionerClient, err := clients.NewProvisionerClient(cfg.Provisioner.BaseURL, cfg.Provisioner.Timeout, appLogger)
	if err != nil {
		appLogger.Fatal("failed to create provisioner client", logger.Error(err))
	}

	// Evidence staging area shared with the API server
	blobStore, err := blob.Open(context.Background(), cfg.Evidence)
	if err != nil {
		appLogger.Fatal("failed to open evidence store", logger.Error(err))
	}
	if blobStore.Driver() == blob.DriverMemory {
		appLogger.Warn("worker is staging evidence in memory; the API server will not see it")
	}

	// Create worker for labs task queue
	w := worker.New(temporalClient, cfg.Temporal.LabsTaskQueue, worker.Options{
		Identity: cfg.Temporal.WorkerIdentity,
	})

	// Create registrars with dependencies
	labRegistrar := lab.NewRegistrar(lab.NewActivities(provisionerClient, blobStore, appLogger), cfg.Temporal.LabsTaskQueue)

	// Register all workflows/activities
	if _, err := registry.RegisterAll(w, []registry.Registrar{labRegistrar}, cfg.Temporal.LabsTaskQueue); err != nil {
		appLogger.Fatal("failed to register workflows", logger.Error(err))
	}

	appLogger.Info("workflows and activities registered",
		logger.String("task_queue", cfg.Temporal.LabsTaskQueue))

	// gRPC health endpoint for orchestration probes
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Temporal.HealthPort))
	if err != nil {
		appLogger.Fatal("failed to listen for health checks", logger.Error(err))
	}
	healthSrv := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(healthSrv, healthServer)
	go func() {
		if err := healthSrv.Serve(lis); err != nil {
			appLogger.Error("health server stopped", logger.Error(err))
		}
	}()

	// Start worker; Start returns once the pollers are running
	if err := w.Start(); err != nil {
		appLogger.Fatal("worker failed to start", logger.Error(err))
	}
	metrics.ActiveWorkers.Inc()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	appLogger.Info("worker started",
		logger.String("task_queue", cfg.Temporal.LabsTaskQueue),
		logger.Int("health_port", cfg.Temporal.HealthPort))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down worker...")
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	w.Stop()
	metrics.ActiveWorkers.Dec()
	healthSrv.GracefulStop()
	appLogger.Info("worker shutdown complete")
}
