package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"auth-token-manager/config"
	"auth-token-manager/driver"
	"auth-token-manager/handler"
	"auth-token-manager/models"
	"auth-token-manager/repository"
	"auth-token-manager/security"
	"auth-token-manager/service"
)

func main() {
	healthCheck := flag.Bool("health-check", false, "Perform health check against the running agent and exit")
	flag.Parse()

	// In development a local .env is honored before anything reads the environment
	if models.ParseEnvironment(os.Getenv("APP_ENV")).IsDevelopment() {
		_ = godotenv.Load()
	}

	logger := newLogger(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	if *healthCheck {
		performHealthCheck()
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Auth token manager starting",
		"service", cfg.ServiceName,
		"environment", string(cfg.Environment),
		"storage_backend", cfg.Storage.Backend,
		"device_id", cfg.Device.ID)

	tokenRepo, err := buildTokenRepository(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize token storage", "error", err)
		os.Exit(1)
	}

	metadata := models.TokenRequestMetadata{
		DeviceID: cfg.Device.ID,
		Platform: cfg.Device.Platform,
	}

	assertions := driver.NewPlatformAttestationClient(cfg.Attestation.Endpoint, metadata, cfg.Attestation.AssertionTTL, logger)
	exchanger := driver.NewExchangeClient(cfg.Exchange.BaseURL, cfg.Exchange.Timeout, logger)

	lifecycle := service.NewTokenLifecycleServiceWithBuffer(
		tokenRepo, assertions, exchanger, metadata, cfg.Environment, logger, cfg.RefreshBuffer)

	// A failed initial acquisition is not fatal: the agent keeps running and
	// retries on demand and on the auto-refresh ticker.
	if err := lifecycle.Initialize(context.Background()); err != nil {
		logger.Warn("Initial token acquisition failed, will retry in background", "error", err)
	}

	lifecycle.StartAutoRefresh(cfg.CheckInterval)

	rateLimiter := security.NewMemoryRateLimiter(cfg.AdminAPI.MaxRequestsPerHour, logger)
	adminHandler := handler.NewAdminAPIHandler(lifecycle, rateLimiter, cfg.AdminAPI.Token, logger)

	server := &http.Server{
		Addr:         cfg.AdminAPI.ListenAddr,
		Handler:      adminHandler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
	}

	go func() {
		logger.Info("Admin API listening", "addr", cfg.AdminAPI.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin API server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin API shutdown failed", "error", err)
	}

	lifecycle.Stop()
	rateLimiter.Stop()

	logger.Info("Auth token manager stopped")
}

// newLogger builds the JSON logger at the configured level.
func newLogger(logLevel string) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// buildTokenRepository selects the storage backend from configuration.
func buildTokenRepository(cfg *config.Config, logger *slog.Logger) (repository.AuthTokenRepository, error) {
	switch cfg.Storage.Backend {
	case "kubernetes":
		client, err := cfg.Kubernetes.CreateKubernetesClient()
		if err != nil {
			return nil, err
		}
		return repository.NewKubernetesSecretTokenRepository(client, cfg.Kubernetes.Namespace, cfg.Kubernetes.TokenSecretName, logger), nil

	case "memory":
		return repository.NewInMemoryTokenRepository(), nil

	default:
		return repository.NewFileTokenRepository(cfg.Storage.FilePath), nil
	}
}
