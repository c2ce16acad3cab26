package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the key pool services.
// Every component receives the values it needs at construction;
// nothing reads the process environment after Load returns.
type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string
	// ReadOnlyDatabaseURL backs the reporting endpoints. Falls back to
	// DatabaseURL when unset; reporting never takes the locking path either way.
	ReadOnlyDatabaseURL string

	// Redis
	RedisURL string

	// Key pool scheduling
	ReserveWindow       time.Duration
	ThrottleInterval    time.Duration
	DailyRequestCeiling int
	ServiceName         string

	// Upstream Gemini
	GeminiEndpoint string
	GeminiModel    string
	GeminiCLIPath  string

	// Proxy
	ProxyAuthToken     string
	RateLimitPerMinute int

	// Notifications
	SlackWebhookURL string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8000"),
		Env:                 getEnv("ENV", "development"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		ReadOnlyDatabaseURL: getEnv("READONLY_DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		ReserveWindow:       getEnvSeconds("RESERVE_WINDOW_SECONDS", 120*time.Second),
		ThrottleInterval:    getEnvSeconds("THROTTLE_INTERVAL_SECONDS", 30*time.Second),
		DailyRequestCeiling: getEnvInt("DAILY_REQUEST_CEILING", 60),
		ServiceName:         getEnv("SERVICE_NAME", ""),
		GeminiEndpoint:      getEnv("GEMINI_API_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta"),
		GeminiModel:         getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiCLIPath:       getEnv("GEMINI_CLI_PATH", "gemini"),
		ProxyAuthToken:      getEnv("PROXY_AUTH_TOKEN", ""),
		RateLimitPerMinute:  getEnvInt("RATE_LIMIT_PER_MINUTE", 100),
		SlackWebhookURL:     getEnv("SLACK_WEBHOOK_URL", ""),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}

	if cfg.ReadOnlyDatabaseURL == "" {
		cfg.ReadOnlyDatabaseURL = cfg.DatabaseURL
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ReserveWindow <= 0 {
		return nil, fmt.Errorf("RESERVE_WINDOW_SECONDS must be positive")
	}
	if cfg.DailyRequestCeiling <= 0 {
		return nil, fmt.Errorf("DAILY_REQUEST_CEILING must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
