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

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)

	// Admission control
	ReservationTTL   time.Duration // validity window of an unconfirmed reservation
	LockoutRiskScore float64       // aggregate risk score above which all actions are denied

	// Timing scheduler
	RegularityThreshold float64 // minimum coefficient of variation of inter-action gaps
	SleepStartHour      int     // local hour at which the sleep window begins
	SleepEndHour        int     // local hour at which the sleep window ends
	SchedulerSeed       int64   // base RNG seed, 0 means derive from account IDs only

	// Security correlator
	MaxAccountsPerProxy       int
	MaxAccountsPerFingerprint int
	BurstActionsPerMinute     int
	ResetOnReassign           bool // reset correlation history when a resource is reassigned

	// Lifecycle
	QuarantinePeriod time.Duration // PAUSED accounts auto-retire after this with no review
	RiskSweepEvery   time.Duration // periodic risk recomputation interval

	// Transport protection
	RateLimitRPM int // HTTP requests per minute per client IP
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultReservationTTL      = 5 * time.Minute
	DefaultLockoutRiskScore    = 0.8
	DefaultRegularityThreshold = 0.3
	DefaultSleepStartHour      = 23
	DefaultSleepEndHour        = 7
	DefaultMaxPerProxy         = 10
	DefaultMaxPerFingerprint   = 3
	DefaultBurstPerMinute      = 5
	DefaultQuarantinePeriod    = 14 * 24 * time.Hour
	DefaultRiskSweepEvery      = 15 * time.Minute
	DefaultRateLimitRPM        = 300
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                      getEnv("PORT", DefaultPort),
		Env:                       getEnv("ENV", DefaultEnv),
		LogLevel:                  getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:               os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:              os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReservationTTL:            getEnvDuration("RESERVATION_TTL", DefaultReservationTTL),
		LockoutRiskScore:          getEnvFloat("LOCKOUT_RISK_SCORE", DefaultLockoutRiskScore),
		RegularityThreshold:       getEnvFloat("REGULARITY_THRESHOLD", DefaultRegularityThreshold),
		SleepStartHour:            int(getEnvInt64("SLEEP_START_HOUR", DefaultSleepStartHour)),
		SleepEndHour:              int(getEnvInt64("SLEEP_END_HOUR", DefaultSleepEndHour)),
		SchedulerSeed:             getEnvInt64("SCHEDULER_SEED", 0),
		MaxAccountsPerProxy:       int(getEnvInt64("MAX_ACCOUNTS_PER_PROXY", DefaultMaxPerProxy)),
		MaxAccountsPerFingerprint: int(getEnvInt64("MAX_ACCOUNTS_PER_FINGERPRINT", DefaultMaxPerFingerprint)),
		BurstActionsPerMinute:     int(getEnvInt64("BURST_ACTIONS_PER_MINUTE", DefaultBurstPerMinute)),
		ResetOnReassign:           getEnvBool("CORRELATOR_RESET_ON_REASSIGN", false),
		QuarantinePeriod:          getEnvDuration("QUARANTINE_PERIOD", DefaultQuarantinePeriod),
		RiskSweepEvery:            getEnvDuration("RISK_SWEEP_EVERY", DefaultRiskSweepEvery),
		RateLimitRPM:              int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are internally consistent.
func (c *Config) Validate() error {
	if c.ReservationTTL <= 0 {
		return fmt.Errorf("RESERVATION_TTL must be positive")
	}
	if c.LockoutRiskScore <= 0 || c.LockoutRiskScore > 1 {
		return fmt.Errorf("LOCKOUT_RISK_SCORE must be in (0, 1]")
	}
	if c.RegularityThreshold < 0 || c.RegularityThreshold >= 1 {
		return fmt.Errorf("REGULARITY_THRESHOLD must be in [0, 1)")
	}
	if c.SleepStartHour < 0 || c.SleepStartHour > 23 || c.SleepEndHour < 0 || c.SleepEndHour > 23 {
		return fmt.Errorf("sleep window hours must be 0-23")
	}
	if c.MaxAccountsPerProxy <= 0 || c.MaxAccountsPerFingerprint <= 0 {
		return fmt.Errorf("resource sharing limits must be positive")
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
