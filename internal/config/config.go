// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	DBDriver    string
	DBPath      string
	DatabaseURL string
	HTTPAddr    string
	LogLevel    string

	TelegramBotToken string
	AllowedUsers     []int64

	FetchIntervalOverride int
	DefaultFetchInterval  int
	ArchiveAfter          time.Duration
	BootstrapWindow       time.Duration
	MaxItems              int
	PageLimit             int
	FetchTimeout          time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DBDriver:         getenv("DB_DRIVER", DriverSQLite),
		DBPath:           getenv("DB_PATH", "pinggy.db"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		HTTPAddr:         getenv("HTTP_ADDR", ":755"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	switch cfg.DBDriver {
	case DriverSQLite:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}

	var err error
	if cfg.FetchIntervalOverride, err = intEnv("FETCH_INTERVAL_OVERRIDE", 0, 0); err != nil {
		return nil, err
	}
	if cfg.DefaultFetchInterval, err = intEnv("DEFAULT_FETCH_INTERVAL", 60, 1); err != nil {
		return nil, err
	}
	if cfg.MaxItems, err = intEnv("MAX_ITEMS", 100, 1); err != nil {
		return nil, err
	}
	if cfg.PageLimit, err = intEnv("PAGE_LIMIT", 50, 1); err != nil {
		return nil, err
	}
	archiveDays, err := intEnv("ARCHIVE_AFTER_DAYS", 10, 1)
	if err != nil {
		return nil, err
	}
	cfg.ArchiveAfter = time.Duration(archiveDays) * 24 * time.Hour
	windowDays, err := intEnv("BOOTSTRAP_WINDOW_DAYS", 30, 1)
	if err != nil {
		return nil, err
	}
	cfg.BootstrapWindow = time.Duration(windowDays) * 24 * time.Hour

	cfg.FetchTimeout = 30 * time.Second
	if raw := os.Getenv("FETCH_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid FETCH_TIMEOUT %q", raw)
		}
		cfg.FetchTimeout = d
	}

	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			cfg.AllowedUsers = append(cfg.AllowedUsers, uid)
		}
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def, minimum int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n < minimum {
		return 0, fmt.Errorf("%s must be at least %d, got %d", key, minimum, n)
	}
	return n, nil
}

// BotEnabled reports whether the Telegram surface should run.
func (c *Config) BotEnabled() bool {
	return c.TelegramBotToken != ""
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
