package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/denhq/go-den-backend/internal/api"
	"github.com/denhq/go-den-backend/internal/backend"
	"github.com/denhq/go-den-backend/internal/service"
	"github.com/denhq/go-den-backend/pkg/config"
	"github.com/denhq/go-den-backend/pkg/logging"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting den backend",
		zap.String("version", version),
		zap.String("build_time", buildTime),
	)

	// Initialize storage backend
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := backend.New(ctx, cfg)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize storage backend", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	logger.Info("Storage backend initialized", zap.String("type", cfg.Storage.Type))

	// Verify the storage connection
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(ctx); err != nil {
		cancel()
		logger.Fatal("Failed to ping storage", zap.Error(err))
	}
	cancel()

	// Bootstrap the session signing key
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	secret, err := service.EnsureSigningKey(ctx, store, logger)
	cancel()
	if err != nil {
		logger.Fatal("Failed to bootstrap signing key", zap.Error(err))
	}

	// Initialize services
	services, err := service.NewServices(store, cfg, secret, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}

	services.Start()
	defer services.Stop()

	router := api.NewRouter(cfg, store, services, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening",
			zap.String("address", cfg.Server.Address()),
			zap.String("rp_origin", cfg.Server.RPOrigin),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
