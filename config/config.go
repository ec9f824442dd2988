// ABOUTME: This file handles configuration management for auth-token-manager
// ABOUTME: Loads environment variables and validates configuration for the token agent

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"auth-token-manager/models"
)

// Config holds all configuration for the auth-token-manager agent
type Config struct {
	// Service configuration
	ServiceName string
	LogLevel    string
	Environment models.Environment

	// Device identity sent with every token exchange
	Device DeviceConfig

	// Attestation bridge configuration
	Attestation AttestationConfig

	// Token exchange backend configuration
	Exchange ExchangeConfig

	// Token storage configuration
	Storage StorageConfig

	// Kubernetes configuration (storage backend "kubernetes" only)
	Kubernetes KubernetesConfig

	// Admin API configuration
	AdminAPI AdminAPIConfig

	// Refresh behavior
	RefreshBuffer time.Duration
	CheckInterval time.Duration
}

// DeviceConfig identifies this installation to the backend
type DeviceConfig struct {
	ID       string
	Platform string
}

// AttestationConfig holds platform attestation bridge settings
type AttestationConfig struct {
	Endpoint     string
	AssertionTTL time.Duration
}

// ExchangeConfig holds token exchange backend settings
type ExchangeConfig struct {
	BaseURL string
	Timeout time.Duration
}

// StorageConfig selects and configures the token storage backend
type StorageConfig struct {
	Backend  string // file, kubernetes, or memory
	FilePath string
}

// KubernetesConfig holds Kubernetes integration settings
type KubernetesConfig struct {
	InCluster       bool
	Namespace       string
	TokenSecretName string
}

// AdminAPIConfig holds local admin API settings
type AdminAPIConfig struct {
	ListenAddr         string
	Token              string
	MaxRequestsPerHour int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnvOrDefault("SERVICE_NAME", "auth-token-manager"),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
		Environment: models.ParseEnvironment(os.Getenv("APP_ENV")),

		Device: DeviceConfig{
			ID:       os.Getenv("DEVICE_ID"),
			Platform: getEnvOrDefault("DEVICE_PLATFORM", "linux"),
		},

		Attestation: AttestationConfig{
			Endpoint: os.Getenv("ATTESTATION_ENDPOINT"),
		},

		Exchange: ExchangeConfig{
			BaseURL: os.Getenv("TOKEN_EXCHANGE_BASE_URL"),
		},

		Storage: StorageConfig{
			Backend:  getEnvOrDefault("TOKEN_STORAGE_BACKEND", "file"),
			FilePath: getEnvOrDefault("TOKEN_FILE_PATH", "/var/lib/auth-token-manager/token.json"),
		},

		Kubernetes: KubernetesConfig{
			InCluster:       getEnvOrDefault("KUBERNETES_IN_CLUSTER", "true") == "true",
			Namespace:       getEnvOrDefault("KUBERNETES_NAMESPACE", "default"),
			TokenSecretName: getEnvOrDefault("TOKEN_SECRET_NAME", "auth-token-manager-token"),
		},

		AdminAPI: AdminAPIConfig{
			ListenAddr: getEnvOrDefault("ADMIN_API_ADDR", "127.0.0.1:8081"),
			Token:      GetSecretOrEnv("ADMIN_API_TOKEN_FILE", "ADMIN_API_TOKEN"),
		},
	}

	// A stable device ID is generated once when none is provided; file-backed
	// deployments should set DEVICE_ID explicitly so it survives restarts.
	if cfg.Device.ID == "" {
		cfg.Device.ID = uuid.NewString()
	}

	cfg.Attestation.AssertionTTL = getEnvDuration("ATTESTATION_ASSERTION_TTL", 2*time.Minute)
	cfg.Exchange.Timeout = getEnvDuration("TOKEN_EXCHANGE_TIMEOUT", 30*time.Second)
	cfg.RefreshBuffer = getEnvDuration("TOKEN_REFRESH_BUFFER", 5*time.Minute)
	cfg.CheckInterval = getEnvDuration("TOKEN_CHECK_INTERVAL", time.Minute)
	cfg.AdminAPI.MaxRequestsPerHour = getEnvInt("ADMIN_API_MAX_REQUESTS_PER_HOUR", 120)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("TOKEN_EXCHANGE_BASE_URL is required")
	}

	// Development runs without a bridge via the dev token fallback;
	// production must be able to attest.
	if c.Attestation.Endpoint == "" && !c.Environment.IsDevelopment() {
		return fmt.Errorf("ATTESTATION_ENDPOINT is required outside development")
	}

	switch c.Storage.Backend {
	case "file", "kubernetes", "memory":
	default:
		return fmt.Errorf("TOKEN_STORAGE_BACKEND must be file, kubernetes, or memory, got %q", c.Storage.Backend)
	}

	if c.AdminAPI.Token == "" {
		return fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	return nil
}

// GetSecretOrEnv reads a secret from the file named by fileEnvKey when set
// (Docker/Kubernetes mounted secrets), falling back to the plain environment
// variable.
func GetSecretOrEnv(fileEnvKey, envKey string) string {
	if path := os.Getenv(fileEnvKey); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return os.Getenv(envKey)
}

// getEnvOrDefault returns environment variable value or default if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration parses a duration environment variable, falling back to the
// default on absence or parse failure.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvInt parses an integer environment variable with a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
