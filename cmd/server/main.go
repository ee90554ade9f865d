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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"fcpm/bridge/internal/api"
	"fcpm/bridge/internal/blockchain/evm"
	"fcpm/bridge/internal/bridge"
	"fcpm/bridge/internal/config"
	"fcpm/bridge/internal/database"
	"fcpm/bridge/internal/provider"
	"fcpm/bridge/internal/session"
	"fcpm/bridge/internal/submit"
	"fcpm/bridge/internal/worker"
)

func main() {
	// Load .env if present; real deployments set the environment directly
	_ = godotenv.Load()

	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Oracle Bridge Service")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("chain", cfg.Chain.Name),
		zap.Bool("durable_registry", cfg.Database.Enabled()))

	// Submission registry: durable when a database is configured,
	// in-memory otherwise.
	var registry submit.Registry
	var source worker.SubmissionSource
	var audit bridge.Auditor
	if cfg.Database.Enabled() {
		db, err := database.Connect(database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		migrationPath := "internal/database/migrations/001_schema.sql"
		if err := database.RunMigrations(db, migrationPath); err != nil {
			logger.Warn("Failed to run migrations (may already be applied)", zap.Error(err))
		}

		store := database.NewSubmissionStore(db)
		registry = store
		source = store
		audit = database.NewRequestStore(db)
		logger.Info("Database connected, durable submission registry enabled")
	} else {
		mem := submit.NewMemoryRegistry()
		registry = mem
		source = mem
		logger.Warn("No database configured, idempotency holds for this process only")
	}

	// Chain client holds the signing identity; nothing else sees the key
	chainClient, err := evm.NewClient(&cfg.Chain, cfg.Operator.PrivateKey, logger)
	if err != nil {
		logger.Fatal("Failed to initialize chain client", zap.Error(err))
	}
	defer chainClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	height, err := chainClient.CurrentHeight(ctx)
	cancel()
	if err != nil {
		logger.Fatal("Chain liveness probe failed", zap.Error(err))
	}
	logger.Info("Chain reachable", zap.Uint64("height", height))

	oracle, err := evm.NewOracle(chainClient, &cfg.Chain, logger)
	if err != nil {
		logger.Fatal("Failed to initialize oracle binding", zap.Error(err))
	}

	providerClient := provider.NewClient(&cfg.Provider, logger)
	sessionManager := session.NewManager(providerClient, cfg.Provider.SessionTimeout, logger)
	coordinator := submit.NewCoordinator(oracle, registry, cfg.Chain.ConfirmationTimeout, logger)
	orchestrator := bridge.NewOrchestrator(sessionManager, coordinator, audit, cfg.Provider.AppID, logger)

	// Reconciler settles submissions whose confirmation wait timed out
	workerManager := worker.NewManager(source, oracle, cfg.Chain.ReconcileInterval, logger)
	workerManager.Start()

	logger.Info("Bridge pipeline initialized")

	apiHandler := api.NewHandler(orchestrator, logger)
	router := api.SetupRouter(apiHandler, logger)

	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal("HTTP server error", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	if err := workerManager.Shutdown(10 * time.Second); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	logger.Info("Service stopped successfully")
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
