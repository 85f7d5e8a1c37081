package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	LogLevel           string
	LogFormat          string
	MaxClientsPerMatch int
	ReconcileTimeout   time.Duration
	ReconcileAttempts  int
	BrokerRetryBackoff time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
	}

	var err error
	if cfg.MaxClientsPerMatch, err = getEnvInt("MAX_CLIENTS_PER_MATCH", 100); err != nil {
		return nil, err
	}
	if cfg.MaxClientsPerMatch < 1 {
		return nil, fmt.Errorf("MAX_CLIENTS_PER_MATCH must be at least 1")
	}

	if cfg.ReconcileAttempts, err = getEnvInt("RECONCILE_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.ReconcileAttempts < 1 {
		return nil, fmt.Errorf("RECONCILE_ATTEMPTS must be at least 1")
	}

	if cfg.ReconcileTimeout, err = getEnvDuration("RECONCILE_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.BrokerRetryBackoff, err = getEnvDuration("BROKER_RETRY_BACKOFF", 1*time.Second); err != nil {
		return nil, err
	}

	// Development runs on in-memory backends when the URLs are unset.
	// Production is a fleet: it needs the durable store and the backbone.
	if cfg.AppEnv == "production" {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when APP_ENV=production")
		}
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when APP_ENV=production")
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 500ms or 2s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
