// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port            string
	Env             string // "development", "staging", "production"
	LogLevel        string
	LogFormat       string // "json" or "text"; empty picks by Env
	ShutdownTimeout time.Duration
	CORSOrigins     string // Comma-separated; empty allows any origin

	// Store
	RedisURL         string // Redis connection URL (optional, uses in-memory if not set)
	RedisOpTimeout   time.Duration
	BreakerThreshold int
	BreakerOpenFor   time.Duration

	// Velocity guard
	VelocityLimit  int
	VelocityWindow time.Duration

	// Geo-velocity guard
	GeoMaxSpeedKmh float64
	GeoMaxElapsed  time.Duration
	GeoTTL         time.Duration

	// Advisory alerts; zero disables
	HighAmountThreshold decimal.Decimal

	// Event publishing
	EventBufferSize int
	KafkaBrokers    string // Comma-separated; Kafka sink disabled if empty
	KafkaTopic      string

	// Observability
	OTLPEndpoint string // OpenTelemetry collector (optional, tracing disabled if empty)
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultShutdownSeconds     = 15
	DefaultRedisOpTimeoutMs    = 500
	DefaultBreakerThreshold    = 5
	DefaultBreakerOpenSeconds  = 30
	DefaultVelocityLimit       = 3
	DefaultVelocityWindowSecs  = 60
	DefaultGeoMaxSpeedKmh      = 500.0
	DefaultGeoMaxElapsedSecs   = 3600
	DefaultGeoTTLHours         = 24
	DefaultHighAmountThreshold = "10000"
	DefaultEventBufferSize     = 256
	DefaultKafkaTopic          = "sentinel.decisions"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	threshold, err := decimal.NewFromString(getEnv("HIGH_AMOUNT_THRESHOLD", DefaultHighAmountThreshold))
	if err != nil {
		return nil, fmt.Errorf("HIGH_AMOUNT_THRESHOLD must be a decimal number: %w", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           os.Getenv("LOG_FORMAT"),
		ShutdownTimeout:     seconds(getEnvInt64("SHUTDOWN_TIMEOUT_SECONDS", DefaultShutdownSeconds)),
		CORSOrigins:         os.Getenv("CORS_ALLOWED_ORIGINS"),
		RedisURL:            os.Getenv("REDIS_URL"),
		RedisOpTimeout:      time.Duration(getEnvInt64("REDIS_OP_TIMEOUT_MS", DefaultRedisOpTimeoutMs)) * time.Millisecond,
		BreakerThreshold:    int(getEnvInt64("STORE_BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerOpenFor:      seconds(getEnvInt64("STORE_BREAKER_OPEN_SECONDS", DefaultBreakerOpenSeconds)),
		VelocityLimit:       int(getEnvInt64("VELOCITY_LIMIT", DefaultVelocityLimit)),
		VelocityWindow:      seconds(getEnvInt64("VELOCITY_WINDOW_SECONDS", DefaultVelocityWindowSecs)),
		GeoMaxSpeedKmh:      getEnvFloat("GEO_MAX_SPEED_KMH", DefaultGeoMaxSpeedKmh),
		GeoMaxElapsed:       seconds(getEnvInt64("GEO_MAX_ELAPSED_SECONDS", DefaultGeoMaxElapsedSecs)),
		GeoTTL:              time.Duration(getEnvInt64("GEO_TTL_HOURS", DefaultGeoTTLHours)) * time.Hour,
		HighAmountThreshold: threshold,
		EventBufferSize:     int(getEnvInt64("EVENT_BUFFER_SIZE", DefaultEventBufferSize)),
		KafkaBrokers:        strings.TrimSpace(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that every limit is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.VelocityLimit <= 0 {
		return fmt.Errorf("VELOCITY_LIMIT must be positive")
	}
	if c.VelocityWindow <= 0 {
		return fmt.Errorf("VELOCITY_WINDOW_SECONDS must be positive")
	}
	if c.GeoMaxSpeedKmh <= 0 {
		return fmt.Errorf("GEO_MAX_SPEED_KMH must be positive")
	}
	if c.GeoMaxElapsed <= 0 {
		return fmt.Errorf("GEO_MAX_ELAPSED_SECONDS must be positive")
	}
	if c.GeoTTL <= 0 {
		return fmt.Errorf("GEO_TTL_HOURS must be positive")
	}
	if c.HighAmountThreshold.IsNegative() {
		return fmt.Errorf("HIGH_AMOUNT_THRESHOLD must not be negative")
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("EVENT_BUFFER_SIZE must be positive")
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("STORE_BREAKER_THRESHOLD must be positive")
	}
	if c.BreakerOpenFor <= 0 {
		return fmt.Errorf("STORE_BREAKER_OPEN_SECONDS must be positive")
	}
	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesRedis reports whether guard state lives in Redis rather than memory.
func (c *Config) UsesRedis() bool {
	return c.RedisURL != ""
}

// LogFormatOrDefault returns LogFormat, falling back to JSON in production
// and text elsewhere.
func (c *Config) LogFormatOrDefault() string {
	if c.LogFormat != "" {
		return c.LogFormat
	}
	if c.IsProduction() {
		return "json"
	}
	return "text"
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
