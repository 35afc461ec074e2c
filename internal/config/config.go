// Package config provides environment configuration for the chat portal core.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Upstream chat provider settings
	DifyBaseURL        string
	DifyAPIKey         string
	DifyUser           string
	ChatRequestTimeout time.Duration
	APIRequestTimeout  time.Duration
	MaxRetries         int
	InitialBackoff     time.Duration

	// History cache
	HistoryPageSize int
	SummaryTTL      time.Duration
	MessagesTTL     time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),

		// Upstream provider. The chat timeout is minutes-scale because the
		// upstream model may invoke tools before the first byte arrives.
		DifyBaseURL:        getEnv("DIFY_BASE_URL", "https://api.dify.ai/v1"),
		DifyAPIKey:         getEnv("DIFY_API_KEY", ""),
		DifyUser:           getEnv("DIFY_USER", "portal-user"),
		ChatRequestTimeout: getDurationEnv("CHAT_REQUEST_TIMEOUT", 5*time.Minute),
		APIRequestTimeout:  getDurationEnv("API_REQUEST_TIMEOUT", 30*time.Second),
		MaxRetries:         getIntEnv("UPSTREAM_MAX_RETRIES", 3),
		InitialBackoff:     getDurationEnv("UPSTREAM_INITIAL_BACKOFF", time.Second),

		// History cache
		HistoryPageSize: getIntEnv("HISTORY_PAGE_SIZE", 20),
		SummaryTTL:      getDurationEnv("HISTORY_SUMMARY_TTL", 5*time.Minute),
		MessagesTTL:     getDurationEnv("HISTORY_MESSAGES_TTL", 10*time.Minute),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
