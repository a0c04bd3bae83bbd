// Package config provides environment-based configuration for stackpilot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the control plane.
type Config struct {
	// Record store
	DatabaseDSN  string
	StoreBackend string // postgres | memory
	QueueBackend string // postgres | memory

	// API server
	APIHost         string
	APIPort         int
	JWTSecret       string
	ShutdownTimeout time.Duration
	// PlatformDomain is reserved for the platform itself; applications may not claim it.
	PlatformDomain string

	Log     LogConfig
	Webhook WebhookConfig
	Fleet   FleetConfig
	Worker  WorkerConfig
	Redis   RedisConfig
	Age     AgeConfig
}

// LogConfig selects slog level and handler.
type LogConfig struct {
	Level  string
	Format string
}

// WebhookConfig holds source-control webhook settings.
type WebhookConfig struct {
	Secret    string
	RateLimit float64
	Burst     int
}

// FleetConfig holds orchestration engine settings.
type FleetConfig struct {
	DockerHost string
	DockerCLI  string
	Network    string
}

// WorkerConfig holds build pipeline settings.
type WorkerConfig struct {
	TmpRoot        string
	GitBinary      string
	GitBaseURL     string
	Concurrency    int
	BuildTimeout   time.Duration
	StaleThreshold time.Duration
	Embedded       bool
}

// RedisConfig enables the cross-process enqueue claim when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AgeConfig enables sealing of configuration secrets at rest.
type AgeConfig struct {
	Recipient string
	Identity  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	cfg.JWTSecret = getEnv("JWT_SECRET", "")
	cfg.Webhook.Secret = getEnv("WEBHOOK_SECRET", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.Webhook.Secret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	switch c.StoreBackend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be postgres or memory, got %q", c.StoreBackend)
	}
	switch c.QueueBackend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be postgres or memory, got %q", c.QueueBackend)
	}
	if c.QueueBackend == "postgres" && c.StoreBackend != "postgres" {
		return fmt.Errorf("QUEUE_BACKEND=postgres requires STORE_BACKEND=postgres")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.Worker.StaleThreshold <= 0 {
		return fmt.Errorf("STALE_DEPLOYMENT_THRESHOLD must be positive")
	}
	if (c.Age.Recipient == "") != (c.Age.Identity == "") {
		return fmt.Errorf("AGE_RECIPIENT and AGE_IDENTITY must be set together")
	}
	return nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", "postgres://localhost:5432/stackpilot?sslmode=disable"),
		StoreBackend:    getEnv("STORE_BACKEND", "postgres"),
		QueueBackend:    getEnv("QUEUE_BACKEND", "postgres"),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		APIPort:         getIntEnv("API_PORT", 3001),
		JWTSecret:       getEnv("JWT_SECRET", "development-secret-key-min-32-chars"),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		PlatformDomain:  strings.ToLower(getEnv("PLATFORM_DOMAIN", "")),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Webhook: WebhookConfig{
			Secret:    getEnv("WEBHOOK_SECRET", "development-webhook-secret"),
			RateLimit: getFloatEnv("WEBHOOK_RATE_LIMIT", 5),
			Burst:     getIntEnv("WEBHOOK_BURST", 20),
		},
		Fleet: FleetConfig{
			DockerHost: getEnv("DOCKER_HOST", ""),
			DockerCLI:  getEnv("DOCKER_CLI", "docker"),
			Network:    getEnv("DOCKER_NETWORK", "coolify"),
		},
		Worker: WorkerConfig{
			TmpRoot:        getEnv("TMP_ROOT", "/tmp/stackpilot"),
			GitBinary:      getEnv("GIT_BINARY", "git"),
			GitBaseURL:     strings.TrimSuffix(getEnv("GIT_BASE_URL", "https://github.com"), "/"),
			Concurrency:    getIntEnv("WORKER_CONCURRENCY", 2),
			BuildTimeout:   getDurationEnv("BUILD_TIMEOUT", 30*time.Minute),
			StaleThreshold: getDurationEnv("STALE_DEPLOYMENT_THRESHOLD", 45*time.Minute),
			Embedded:       getBoolEnv("WORKER_EMBEDDED", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Age: AgeConfig{
			Recipient: getEnv("AGE_RECIPIENT", ""),
			Identity:  getEnv("AGE_IDENTITY", ""),
		},
	}
}

// ListenAddr returns host:port for the API server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
