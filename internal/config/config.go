// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // Run embedded goose migrations at startup

	// Security
	AdminSecret  string // Guards /v1/admin routes
	RateLimitRPM int

	// Tracing
	OTLPEndpoint string

	// Reputation
	ReputationEnabled    bool
	AttestationNamespace string
	ScoreRefreshInterval time.Duration

	// Economic tunables (defaults, then env, then persisted overrides)
	Credits CreditConfig
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultRateLimit            = 120
	DefaultAttestationNamespace = "agentgov-reputation"
	DefaultScoreRefreshInterval = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AutoMigrate:          getEnvBool("AUTO_MIGRATE", true),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReputationEnabled:    getEnvBool("REPUTATION_ENABLED", true),
		AttestationNamespace: getEnv("ATTESTATION_NAMESPACE", DefaultAttestationNamespace),
		ScoreRefreshInterval: getEnvDuration("REPUTATION_REFRESH_INTERVAL", DefaultScoreRefreshInterval),
		Credits:              DefaultCreditConfig(),
	}

	for key, env := range creditEnvKeys {
		if v := os.Getenv(env); v != "" {
			if err := cfg.Credits.ApplyOverride(key, v); err != nil {
				return nil, fmt.Errorf("%s: %w", env, err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.ScoreRefreshInterval <= 0 {
		return fmt.Errorf("REPUTATION_REFRESH_INTERVAL must be positive")
	}
	if c.AttestationNamespace == "" {
		return fmt.Errorf("ATTESTATION_NAMESPACE must not be empty")
	}
	return c.Credits.Validate()
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
