// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for all databases (always absolute)
	Port      int
	DevMode   bool
	LogLevel  string
	LogPretty bool

	// Upstream backtest service
	BacktestServiceURL string
	BacktestAPIKey     string

	// Upstream market-data stream
	StreamURL            string
	StreamReconnectDelay time.Duration
	StreamMaxReconnects  int

	// Error reporting (Cloudflare R2, optional)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2Bucket          string

	// Telegram notifications (optional)
	TelegramToken  string
	TelegramChatID int64
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Data directory: SPYGLASS_DATA_DIR, defaulting to ./data,
	// always resolved to an absolute path and created if missing.
	dataDir := getEnv("SPYGLASS_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		Port:      getEnvAsInt("SPYGLASS_PORT", 8090),
		DevMode:   getEnvAsBool("DEV_MODE", false),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),

		BacktestServiceURL: getEnv("BACKTEST_SERVICE_URL", "http://localhost:9100"),
		BacktestAPIKey:     getEnv("BACKTEST_API_KEY", ""),

		StreamURL:            getEnv("STREAM_URL", "wss://localhost:9101/feed"),
		StreamReconnectDelay: getEnvAsDuration("STREAM_RECONNECT_DELAY", 3*time.Second),
		StreamMaxReconnects:  getEnvAsInt("STREAM_MAX_RECONNECTS", 5),

		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2Bucket:          getEnv("R2_BUCKET", ""),

		TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID: getEnvAsInt64("TELEGRAM_CHAT_ID", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.StreamMaxReconnects < 0 {
		return fmt.Errorf("invalid stream max reconnects: %d", c.StreamMaxReconnects)
	}

	// Note: backtest credentials optional for read-only mode
	return nil
}

// ReportingEnabled returns true when R2 error reporting is fully configured.
func (c *Config) ReportingEnabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" &&
		c.R2SecretAccessKey != "" && c.R2Bucket != ""
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
