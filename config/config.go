// Package config loads service configuration from the environment.
// A .env file in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/dentalab/billing-engine/logger"
)

type Config struct {
	// HTTP server
	Port string

	// Storage
	DBPath string

	// Invoice defaults
	DueDays int

	// Overdue sweep
	SweepInterval time.Duration
	SweepEnabled  bool

	// Logging
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

// Load reads configuration from the environment with defaults for every
// key. A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		Port:          getEnv("PORT", "8080"),
		DBPath:        getEnv("DB_PATH", "./data/billing.db"),
		DueDays:       getEnvInt("INVOICE_DUE_DAYS", 30),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", time.Hour),
		SweepEnabled:  getEnvBool("SWEEP_ENABLED", true),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "console"),
		LogTimeFormat: getEnv("LOG_TIME_FORMAT", time.RFC3339),
		LogOutput:     getEnv("LOG_OUTPUT", "stdout"),
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.DueDays <= 0 {
		return fmt.Errorf("INVOICE_DUE_DAYS must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	return nil
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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
