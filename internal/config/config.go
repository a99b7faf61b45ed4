package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL string
	Port        string

	RateLimitCapacity int

	WebhookWorkers     int
	WebhookBatchSize   int
	WebhookMaxAttempts int
	WebhookRetryBase   time.Duration
	WebhookRetryCap    time.Duration
	WebhookTimeout     time.Duration

	DBTimeout time.Duration
}

// Load reads configuration from the environment. DATABASE_URL is the only
// required setting.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return &Config{
		DatabaseURL:        dbURL,
		Port:               getEnv("PORT", "3000"),
		RateLimitCapacity:  getEnvInt("RATE_LIMIT_CAPACITY", 100),
		WebhookWorkers:     getEnvInt("WEBHOOK_WORKERS", 1),
		WebhookBatchSize:   getEnvInt("WEBHOOK_BATCH_SIZE", 10),
		WebhookMaxAttempts: getEnvInt("WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookRetryBase:   getEnvDuration("WEBHOOK_RETRY_BASE", 30*time.Second),
		WebhookRetryCap:    getEnvDuration("WEBHOOK_RETRY_CAP", time.Hour),
		WebhookTimeout:     getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		DBTimeout:          getEnvDuration("DB_TIMEOUT", 5*time.Second),
	}, nil
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
