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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Evaluation settings
	FailOpen          bool    // Continue without velocity/limits when the store is down
	MinAmount         float64 // Minimum transaction amount accepted by validation
	MaxAmount         float64 // 0 disables the upper bound
	MaxTrialDays      int
	TopRiskFactors    int
	RuleCacheInterval time.Duration

	// Rate limiting
	BaseBlockDuration  time.Duration
	PenaltyMultiplier  float64
	MaxPenaltyDuration time.Duration
	ViolationsToBlock  int
	HTTPRateLimitRPM   int // Per-IP edge limit, independent of tier limits

	// Observability
	OTLPEndpoint    string // OTLP/HTTP collector; empty disables trace export
	AuditWebhookURL string // External audit receiver; empty disables forwarding

	// Security
	AdminSecret string // Admin API secret for rule and exemption management
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultMinAmount        = 0.50
	DefaultMaxTrialDays     = 90
	DefaultTopRiskFactors   = 5
	DefaultHTTPRateLimitRPM = 300
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		FailOpen:           getEnvBool("FAIL_OPEN", false),
		MinAmount:          getEnvFloat("MIN_AMOUNT", DefaultMinAmount),
		MaxAmount:          getEnvFloat("MAX_AMOUNT", 0),
		MaxTrialDays:       int(getEnvInt64("MAX_TRIAL_DAYS", DefaultMaxTrialDays)),
		TopRiskFactors:     int(getEnvInt64("TOP_RISK_FACTORS", DefaultTopRiskFactors)),
		RuleCacheInterval:  getEnvDuration("RULE_CACHE_INTERVAL", 30*time.Second),
		BaseBlockDuration:  getEnvDuration("BASE_BLOCK_DURATION", 5*time.Minute),
		PenaltyMultiplier:  getEnvFloat("PENALTY_MULTIPLIER", 2.0),
		MaxPenaltyDuration: getEnvDuration("MAX_PENALTY_DURATION", 24*time.Hour),
		ViolationsToBlock:  int(getEnvInt64("VIOLATIONS_TO_BLOCK", 3)),
		HTTPRateLimitRPM:   int(getEnvInt64("HTTP_RATE_LIMIT_RPM", DefaultHTTPRateLimitRPM)),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
		AuditWebhookURL:    os.Getenv("AUDIT_WEBHOOK_URL"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is consistent
func (c *Config) Validate() error {
	if c.MinAmount < 0 {
		return fmt.Errorf("MIN_AMOUNT must not be negative")
	}
	if c.MaxAmount > 0 && c.MaxAmount < c.MinAmount {
		return fmt.Errorf("MAX_AMOUNT must be at least MIN_AMOUNT")
	}
	if c.PenaltyMultiplier < 1 {
		return fmt.Errorf("PENALTY_MULTIPLIER must be at least 1")
	}
	if c.ViolationsToBlock < 1 {
		return fmt.Errorf("VIOLATIONS_TO_BLOCK must be at least 1")
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
