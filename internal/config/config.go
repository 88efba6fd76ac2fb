package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"mira/internal/models"
)

// Config holds all application configuration
type Config struct {
	Port          string
	DatabasePath  string // SQLite database file path
	ProvidersFile string // JSON file with model provider definitions
	Environment   string // "production" or "development"

	// Context window tuning
	WindowSize   int // recent turns kept verbatim in the prompt
	SummarySlack int // tolerated staleness of the summary, in turns

	// Upstream timeouts
	CompletionTimeout time.Duration // ceiling per model call
	QueryTimeout      time.Duration // ceiling per tool SQL query
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "3001"),
		DatabasePath:  getEnv("DATABASE_PATH", "mira.db"),
		ProvidersFile: getEnv("PROVIDERS_FILE", "providers.json"),
		Environment:   getEnv("ENVIRONMENT", "development"),

		WindowSize:   getIntEnv("CONTEXT_WINDOW_SIZE", 16),
		SummarySlack: getIntEnv("CONTEXT_SUMMARY_SLACK", 4),

		CompletionTimeout: getDurationEnv("COMPLETION_TIMEOUT", 45*time.Second),
		QueryTimeout:      getDurationEnv("QUERY_TIMEOUT", 5*time.Second),
	}
}

// LoadProviders loads providers configuration from JSON file
func LoadProviders(filePath string) (*models.ProvidersConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var config models.ProvidersConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse providers JSON: %w", err)
	}

	return &config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
