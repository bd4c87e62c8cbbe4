package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	JWTExpiry   time.Duration
	LogLevel    slog.Level
	Sync        SyncConfig
}

// SyncConfig tunes the background worker.
type SyncConfig struct {
	PollInterval      time.Duration
	BatchSize         int
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	LeaseTimeout      time.Duration
	LockTTL           time.Duration
	RetentionDays     int
	RetentionInterval time.Duration
}

func LoadConfig() (*Config, error) {
	var errs []error
	duration := func(key, def string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, def))
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s format", key))
		}
		return d
	}
	positiveInt := func(key, def string) int {
		n, err := strconv.Atoi(getEnv(key, def))
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive integer", key))
		}
		return n
	}

	cfg := &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTExpiry:   duration("JWT_EXPIRY", "24h"),
		Sync: SyncConfig{
			PollInterval:      duration("SYNC_POLL_INTERVAL", "5s"),
			BatchSize:         positiveInt("SYNC_BATCH_SIZE", "50"),
			MaxRetries:        positiveInt("SYNC_MAX_RETRIES", "3"),
			BaseDelay:         duration("SYNC_BASE_DELAY", "1s"),
			MaxDelay:          duration("SYNC_MAX_DELAY", "30s"),
			LeaseTimeout:      duration("SYNC_LEASE_TIMEOUT", "5m"),
			LockTTL:           duration("SYNC_LOCK_TTL", "5m"),
			RetentionDays:     positiveInt("SYNC_RETENTION_DAYS", "30"),
			RetentionInterval: duration("SYNC_RETENTION_INTERVAL", "1h"),
		},
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.LogLevel = level

	// Validate required fields
	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.Sync.MaxDelay < cfg.Sync.BaseDelay {
		errs = append(errs, errors.New("SYNC_MAX_DELAY must not be below SYNC_BASE_DELAY"))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", s)
	}
	return level, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
