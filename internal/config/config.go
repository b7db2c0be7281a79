// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// RateOverride overrides the limit/window pair of a named rate-limit profile.
type RateOverride struct {
	Limit         int
	WindowSeconds int
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis URL for queue + PoW replay stores (optional, uses in-memory if not set)

	// Queue settings
	QueueBatchSize       int // sessions admitted per processor tick
	AdmitIntervalSeconds int // seconds between admission ticks
	VisibleWindow        int // queue ranks whose persisted position is refreshed

	// Session settings
	AccessTokenTTLSeconds int // lifetime of a one-time access token
	RetentionHours        int // terminal sessions older than this are purged

	// Risk thresholds (ascending)
	RiskThresholdLow    float64
	RiskThresholdMedium float64
	RiskThresholdHigh   float64

	// Proof of work
	PoWSecret     string // HMAC secret for challenge signing
	PoWDifficulty int    // required leading zero bits
	PoWTTLSeconds int    // challenge lifetime

	// Security
	AdminSecret string // Admin API secret
	IPBanMins   int    // default IP ban duration for auto-bans

	// Event inventory
	EventName       string
	EventTotalStock int64
	SaleOpen        bool

	// Rate-limit profile overrides, keyed by profile name
	// (RATE_LIMIT_<PROFILE> / RATE_WINDOW_<PROFILE>)
	RateOverrides map[string]RateOverride

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultBatchSize     = 25
	DefaultAdmitInterval = 3
	DefaultVisibleWindow = 100
	DefaultTokenTTL      = 120
	DefaultRetention     = 24
	DefaultPoWDifficulty = 16
	DefaultPoWTTL        = 300
	DefaultIPBanMins     = 30

	DefaultThresholdLow    = 30
	DefaultThresholdMedium = 60
	DefaultThresholdHigh   = 85
)

// rateProfiles are the profile names that accept env overrides.
var rateProfiles = []string{"join", "stream", "telemetry", "purchase", "admin", "general"}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:              os.Getenv("REDIS_URL"),    // Optional, uses in-memory if not set
		QueueBatchSize:        getEnvInt("QUEUE_BATCH_SIZE", DefaultBatchSize),
		AdmitIntervalSeconds:  getEnvInt("ADMIT_INTERVAL_SECONDS", DefaultAdmitInterval),
		VisibleWindow:         getEnvInt("QUEUE_VISIBLE_WINDOW", DefaultVisibleWindow),
		AccessTokenTTLSeconds: getEnvInt("ACCESS_TOKEN_TTL_SECONDS", DefaultTokenTTL),
		RetentionHours:        getEnvInt("RETENTION_HOURS", DefaultRetention),
		RiskThresholdLow:      getEnvFloat("RISK_THRESHOLD_LOW", DefaultThresholdLow),
		RiskThresholdMedium:   getEnvFloat("RISK_THRESHOLD_MEDIUM", DefaultThresholdMedium),
		RiskThresholdHigh:     getEnvFloat("RISK_THRESHOLD_HIGH", DefaultThresholdHigh),
		PoWSecret:             os.Getenv("POW_SECRET"), // Required outside development
		PoWDifficulty:         getEnvInt("POW_DIFFICULTY", DefaultPoWDifficulty),
		PoWTTLSeconds:         getEnvInt("POW_TTL_SECONDS", DefaultPoWTTL),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		IPBanMins:             getEnvInt("IP_BAN_MINUTES", DefaultIPBanMins),
		EventName:             getEnv("EVENT_NAME", "event"),
		EventTotalStock:       int64(getEnvInt("EVENT_TOTAL_STOCK", 10000)),
		SaleOpen:              getEnvBool("SALE_OPEN", true),
		RateOverrides:         loadRateOverrides(),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.PoWSecret == "" && cfg.IsDevelopment() {
		cfg.PoWSecret = "dev-secret-change-in-production"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.PoWSecret == "" {
		return fmt.Errorf("POW_SECRET is required outside development")
	}
	if c.QueueBatchSize < 1 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be at least 1")
	}
	if c.AdmitIntervalSeconds < 1 {
		return fmt.Errorf("ADMIT_INTERVAL_SECONDS must be at least 1")
	}
	if !(c.RiskThresholdLow < c.RiskThresholdMedium && c.RiskThresholdMedium < c.RiskThresholdHigh) {
		return fmt.Errorf("risk thresholds must be strictly ascending (low < medium < high)")
	}
	if c.PoWDifficulty < 1 || c.PoWDifficulty > 256 {
		return fmt.Errorf("POW_DIFFICULTY must be between 1 and 256 bits")
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

func loadRateOverrides() map[string]RateOverride {
	overrides := make(map[string]RateOverride)
	for _, profile := range rateProfiles {
		upper := strings.ToUpper(profile)
		limit := getEnvInt("RATE_LIMIT_"+upper, 0)
		window := getEnvInt("RATE_WINDOW_"+upper, 0)
		if limit > 0 || window > 0 {
			overrides[profile] = RateOverride{Limit: limit, WindowSeconds: window}
		}
	}
	return overrides
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
