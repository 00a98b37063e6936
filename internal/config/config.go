// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
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

	// Backend settings
	BackendURL     string // LNbits-compatible API base URL
	RequestTimeout time.Duration

	// Tracing
	OTLPEndpoint string

	// Engine settings
	Engine EngineConfig
}

// EngineConfig holds the confirmation engine knobs. It is immutable once
// the engine is constructed; changing configuration means rebuilding the
// engine from a fresh Config.
type EngineConfig struct {
	ExpiryTTL                  time.Duration
	FastCheckInterval          time.Duration
	MaxReconnectAttempts       int
	ReconnectInitialDelay      time.Duration
	ReconnectBackoffMultiplier float64
	ExternalPaymentInterval    time.Duration
	SuppressionWindow          time.Duration
	HealthProbeInterval        time.Duration
	HealthDegradedThreshold    int
	HealthUnhealthyThreshold   int
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultRequestTimeout = 15 * time.Second

	DefaultExpiryMinutes            = 60
	DefaultFastCheckSeconds         = 5
	DefaultMaxReconnectAttempts     = 5
	DefaultReconnectInitialDelayMs  = 1000
	DefaultReconnectMultiplier      = 2.0
	DefaultExternalCheckSeconds     = 30
	DefaultSuppressionWindowSeconds = 90
	DefaultHealthProbeSeconds       = 30
	DefaultDegradedThreshold        = 1
	DefaultUnhealthyThreshold       = 3
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		BackendURL:     os.Getenv("LNBITS_URL"),   // Required, no default
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT_SECONDS", DefaultRequestTimeout, time.Second),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Engine: EngineConfig{
			ExpiryTTL:                  getEnvDuration("EXPIRY_MINUTES", DefaultExpiryMinutes*time.Minute, time.Minute),
			FastCheckInterval:          getEnvDuration("FAST_CHECK_INTERVAL_SECONDS", DefaultFastCheckSeconds*time.Second, time.Second),
			MaxReconnectAttempts:       int(getEnvInt64("MAX_RECONNECT_ATTEMPTS", DefaultMaxReconnectAttempts)),
			ReconnectInitialDelay:      getEnvDuration("RECONNECT_INITIAL_DELAY_MS", DefaultReconnectInitialDelayMs*time.Millisecond, time.Millisecond),
			ReconnectBackoffMultiplier: getEnvFloat("RECONNECT_BACKOFF_MULTIPLIER", DefaultReconnectMultiplier),
			ExternalPaymentInterval:    getEnvDuration("EXTERNAL_PAYMENT_CHECK_INTERVAL_SECONDS", DefaultExternalCheckSeconds*time.Second, time.Second),
			SuppressionWindow:          getEnvDuration("SUPPRESSION_WINDOW_SECONDS", DefaultSuppressionWindowSeconds*time.Second, time.Second),
			HealthProbeInterval:        getEnvDuration("HEALTH_PROBE_INTERVAL_SECONDS", DefaultHealthProbeSeconds*time.Second, time.Second),
			HealthDegradedThreshold:    int(getEnvInt64("HEALTH_DEGRADED_THRESHOLD", DefaultDegradedThreshold)),
			HealthUnhealthyThreshold:   int(getEnvInt64("HEALTH_UNHEALTHY_THRESHOLD", DefaultUnhealthyThreshold)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("LNBITS_URL is required")
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("LNBITS_URL must be an http(s) URL")
	}
	return c.Engine.Validate()
}

// Validate checks the engine knobs for values the engine cannot run with.
func (c *EngineConfig) Validate() error {
	if c.ExpiryTTL <= 0 {
		return fmt.Errorf("EXPIRY_MINUTES must be positive")
	}
	if c.FastCheckInterval <= 0 {
		return fmt.Errorf("FAST_CHECK_INTERVAL_SECONDS must be positive")
	}
	if c.ReconnectBackoffMultiplier < 1.0 {
		return fmt.Errorf("RECONNECT_BACKOFF_MULTIPLIER must be >= 1.0")
	}
	if c.HealthDegradedThreshold < 1 || c.HealthUnhealthyThreshold < c.HealthDegradedThreshold {
		return fmt.Errorf("health thresholds must satisfy 1 <= degraded <= unhealthy")
	}
	return nil
}

// DefaultEngineConfig returns the engine knobs with all defaults applied.
// Used by tests and by library embedders that skip env loading.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ExpiryTTL:                  DefaultExpiryMinutes * time.Minute,
		FastCheckInterval:          DefaultFastCheckSeconds * time.Second,
		MaxReconnectAttempts:       DefaultMaxReconnectAttempts,
		ReconnectInitialDelay:      DefaultReconnectInitialDelayMs * time.Millisecond,
		ReconnectBackoffMultiplier: DefaultReconnectMultiplier,
		ExternalPaymentInterval:    DefaultExternalCheckSeconds * time.Second,
		SuppressionWindow:          DefaultSuppressionWindowSeconds * time.Second,
		HealthProbeInterval:        DefaultHealthProbeSeconds * time.Second,
		HealthDegradedThreshold:    DefaultDegradedThreshold,
		HealthUnhealthyThreshold:   DefaultUnhealthyThreshold,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback, unit time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * unit
		}
	}
	return fallback
}
