package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"optionsim/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all engine configuration.
type Config struct {
	// Database
	DBPath string

	// Credential sealing
	SecretKeyHex string // 64 hex chars; AES-256 key sealing tenant broker credentials

	// Market data (service-level quote feed, shared across tenants)
	QuoteToken   string
	QuoteSandbox bool

	// Broker gateway
	SettleDelay   time.Duration // Pause between order ack and the confirmation poll
	BrokerTimeout time.Duration // Ceiling per outbound broker call
	RetryMin      time.Duration // Backoff floor for idempotent broker reads
	RetryMax      time.Duration // Backoff ceiling
	MaxRetries    int           // Extra attempts for idempotent broker reads
	RateLimit     int           // Outbound calls admitted per RateWindow
	RateWindow    time.Duration

	// Monitor sweeps
	SweepInterval     time.Duration // Price sweep cadence
	ExpiryInterval    time.Duration // Expiry sweep cadence
	ReconcileInterval time.Duration // Broker order reconciliation cadence
	QuoteTimeout      time.Duration // Ceiling per market data call
	MaxEntryAttempts  int
	MaxCloseAttempts  int

	// Ops HTTP server (metrics and health)
	OpsAddr string

	// Logging
	LogLevel logger.LogLevel
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/optionsim.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Credential sealing
	cfg.SecretKeyHex = getEnv("SECRET_KEY_HEX", "")
	if cfg.SecretKeyHex == "" {
		errs = append(errs, "SECRET_KEY_HEX must be set (64 hex chars)")
	} else if raw, decErr := hex.DecodeString(cfg.SecretKeyHex); decErr != nil || len(raw) != 32 {
		errs = append(errs, "SECRET_KEY_HEX must decode to exactly 32 bytes")
	}

	// Market data
	cfg.QuoteToken = getEnv("TRADIER_QUOTE_TOKEN", "")
	if cfg.QuoteToken == "" {
		errs = append(errs, "TRADIER_QUOTE_TOKEN must be set")
	}
	cfg.QuoteSandbox = getEnvAsBool("QUOTES_SANDBOX", true) // Default to sandbox for safety

	// Broker gateway
	settleDelaySeconds, err := getEnvAsIntRequired("SETTLE_DELAY_SECONDS", 2)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SETTLE_DELAY_SECONDS: %v", err))
	} else if settleDelaySeconds <= 0 {
		errs = append(errs, "SETTLE_DELAY_SECONDS must be positive")
	}
	cfg.SettleDelay = time.Duration(settleDelaySeconds) * time.Second

	brokerTimeoutSeconds := getEnvAsInt("BROKER_CALL_TIMEOUT_SECONDS", 10)
	if brokerTimeoutSeconds <= 0 {
		errs = append(errs, "BROKER_CALL_TIMEOUT_SECONDS must be positive")
	}
	cfg.BrokerTimeout = time.Duration(brokerTimeoutSeconds) * time.Second

	retryMinMs := getEnvAsInt("BROKER_RETRY_MIN_MS", 250)
	if retryMinMs <= 0 {
		errs = append(errs, "BROKER_RETRY_MIN_MS must be positive")
	}
	cfg.RetryMin = time.Duration(retryMinMs) * time.Millisecond

	retryMaxSeconds := getEnvAsInt("BROKER_RETRY_MAX_SECONDS", 5)
	if retryMaxSeconds <= 0 {
		errs = append(errs, "BROKER_RETRY_MAX_SECONDS must be positive")
	}
	cfg.RetryMax = time.Duration(retryMaxSeconds) * time.Second
	if cfg.RetryMin >= cfg.RetryMax {
		errs = append(errs, "BROKER_RETRY_MIN_MS must be less than BROKER_RETRY_MAX_SECONDS")
	}

	cfg.MaxRetries, err = getEnvAsIntRequired("BROKER_MAX_RETRIES", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BROKER_MAX_RETRIES: %v", err))
	} else if cfg.MaxRetries < 0 {
		errs = append(errs, "BROKER_MAX_RETRIES cannot be negative")
	}

	cfg.RateLimit, err = getEnvAsIntRequired("BROKER_RATE_LIMIT", 60)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BROKER_RATE_LIMIT: %v", err))
	} else if cfg.RateLimit <= 0 {
		errs = append(errs, "BROKER_RATE_LIMIT must be positive")
	}

	rateWindowSeconds := getEnvAsInt("BROKER_RATE_WINDOW_SECONDS", 60)
	if rateWindowSeconds <= 0 {
		errs = append(errs, "BROKER_RATE_WINDOW_SECONDS must be positive")
	}
	cfg.RateWindow = time.Duration(rateWindowSeconds) * time.Second

	// Monitor sweeps
	sweepSeconds := getEnvAsInt("SWEEP_INTERVAL_SECONDS", 15)
	if sweepSeconds <= 0 {
		errs = append(errs, "SWEEP_INTERVAL_SECONDS must be positive")
	}
	cfg.SweepInterval = time.Duration(sweepSeconds) * time.Second

	expirySeconds := getEnvAsInt("EXPIRY_INTERVAL_SECONDS", 60)
	if expirySeconds <= 0 {
		errs = append(errs, "EXPIRY_INTERVAL_SECONDS must be positive")
	}
	cfg.ExpiryInterval = time.Duration(expirySeconds) * time.Second

	reconcileSeconds := getEnvAsInt("RECONCILE_INTERVAL_SECONDS", 10)
	if reconcileSeconds <= 0 {
		errs = append(errs, "RECONCILE_INTERVAL_SECONDS must be positive")
	}
	cfg.ReconcileInterval = time.Duration(reconcileSeconds) * time.Second

	quoteTimeoutSeconds := getEnvAsInt("QUOTE_TIMEOUT_SECONDS", 5)
	if quoteTimeoutSeconds <= 0 {
		errs = append(errs, "QUOTE_TIMEOUT_SECONDS must be positive")
	}
	cfg.QuoteTimeout = time.Duration(quoteTimeoutSeconds) * time.Second

	cfg.MaxEntryAttempts, err = getEnvAsIntRequired("MAX_ENTRY_ATTEMPTS", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_ENTRY_ATTEMPTS: %v", err))
	} else if cfg.MaxEntryAttempts <= 0 {
		errs = append(errs, "MAX_ENTRY_ATTEMPTS must be positive")
	}

	cfg.MaxCloseAttempts, err = getEnvAsIntRequired("MAX_CLOSE_ATTEMPTS", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_CLOSE_ATTEMPTS: %v", err))
	} else if cfg.MaxCloseAttempts <= 0 {
		errs = append(errs, "MAX_CLOSE_ATTEMPTS must be positive")
	}

	// Ops server
	cfg.OpsAddr = getEnv("OPS_ADDR", ":9090")
	if cfg.OpsAddr == "" {
		errs = append(errs, "OPS_ADDR must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// For non-required fields, default is acceptable.
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
