// Package config loads application configuration from environment variables.
// Every knob has a METERED_-prefixed variable and a sensible default; the
// only hard requirements are the Postgres URL and, when webhook ingestion is
// enabled, the Stripe keys.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/platinummonkey/metered/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Stripe        StripeConfig
	Billing       BillingConfig
	Notifications NotificationsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Seed the default plan catalog at startup when the table is empty.
	SeedPlans bool
}

// RedisConfig holds redis settings for webhook event dedup. Optional: with
// no address configured dedup is disabled and handlers rely on idempotency.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	DedupTTL time.Duration
}

// StripeConfig holds payment processor credentials
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
}

// BillingConfig holds billing engine settings
type BillingConfig struct {
	// RateFile is the YAML overage rate table; empty disables overage
	// pricing (overage is still recorded, at zero cost).
	RateFile      string
	GracePeriod   time.Duration
	PlanCacheSize int
}

// NotificationsConfig configures the outbound notification webhook. Empty
// URL means notifications only go to the log.
type NotificationsConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("METERED_HOST", "0.0.0.0"),
			Port:            getEnv("METERED_PORT", "8080"),
			ReadTimeout:     getEnvDuration("METERED_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("METERED_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("METERED_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("METERED_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("METERED_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:             getEnv("METERED_POSTGRES_URL", ""),
			MaxOpenConns:    getEnvInt("METERED_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns:    getEnvInt("METERED_POSTGRES_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("METERED_POSTGRES_CONN_LIFETIME", 5*time.Minute),
			SeedPlans:       getEnvBool("METERED_SEED_PLANS", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("METERED_REDIS_ADDR", ""),
			Password: getEnv("METERED_REDIS_PASSWORD", ""),
			DB:       getEnvInt("METERED_REDIS_DB", 0),
			DedupTTL: getEnvDuration("METERED_REDIS_DEDUP_TTL", 72*time.Hour),
		},
		Stripe: StripeConfig{
			APIKey:        getEnv("METERED_STRIPE_API_KEY", ""),
			WebhookSecret: getEnv("METERED_STRIPE_WEBHOOK_SECRET", ""),
		},
		Billing: BillingConfig{
			RateFile:      getEnv("METERED_RATE_FILE", ""),
			GracePeriod:   getEnvDuration("METERED_DUNNING_GRACE", 14*24*time.Hour),
			PlanCacheSize: getEnvInt("METERED_PLAN_CACHE_SIZE", 128),
		},
		Notifications: NotificationsConfig{
			WebhookURL:    getEnv("METERED_NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret: getEnv("METERED_NOTIFY_WEBHOOK_SECRET", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.ParseLogLevel(getEnv("METERED_LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("METERED_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("METERED_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("METERED_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("METERED_OTEL_SERVICE_NAME", "metered"),
			OTelServiceVersion: getEnv("METERED_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("METERED_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Stripe.APIKey != "" && c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required when an API key is set")
	}
	if c.Notifications.WebhookURL != "" && c.Notifications.WebhookSecret == "" {
		return fmt.Errorf("notification webhook secret is required when a URL is set")
	}
	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	str := os.Getenv(key)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvBool(key string, defaultVal bool) bool {
	str := os.Getenv(key)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(str)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	str := os.Getenv(key)
	if str == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return val
}
