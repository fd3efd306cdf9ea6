package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var envKeys = []string{
	"DB_DRIVER", "DB_PATH", "DATABASE_URL", "HTTP_ADDR", "LOG_LEVEL",
	"TELEGRAM_BOT_TOKEN", "ALLOWED_USERS",
	"FETCH_INTERVAL_OVERRIDE", "DEFAULT_FETCH_INTERVAL", "ARCHIVE_AFTER_DAYS",
	"BOOTSTRAP_WINDOW_DAYS", "MAX_ITEMS", "PAGE_LIMIT", "FETCH_TIMEOUT",
}

func defaults() *Config {
	return &Config{
		DBDriver:             DriverSQLite,
		DBPath:               "pinggy.db",
		HTTPAddr:             ":755",
		LogLevel:             "info",
		DefaultFetchInterval: 60,
		ArchiveAfter:         10 * 24 * time.Hour,
		BootstrapWindow:      30 * 24 * time.Hour,
		MaxItems:             100,
		PageLimit:            50,
		FetchTimeout:         30 * time.Second,
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    func() *Config
		wantErr bool
	}{
		{
			name: "defaults applied",
			env:  map[string]string{},
			want: defaults,
		},
		{
			name: "all values set",
			env: map[string]string{
				"DB_DRIVER":               "postgres",
				"DATABASE_URL":            "postgres://localhost/pinggy",
				"HTTP_ADDR":               ":8080",
				"LOG_LEVEL":               "debug",
				"TELEGRAM_BOT_TOKEN":      "tok",
				"ALLOWED_USERS":           "111,222,333",
				"FETCH_INTERVAL_OVERRIDE": "15",
				"DEFAULT_FETCH_INTERVAL":  "30",
				"ARCHIVE_AFTER_DAYS":      "7",
				"BOOTSTRAP_WINDOW_DAYS":   "14",
				"MAX_ITEMS":               "20",
				"PAGE_LIMIT":              "25",
				"FETCH_TIMEOUT":           "5s",
			},
			want: func() *Config {
				return &Config{
					DBDriver:              DriverPostgres,
					DBPath:                "pinggy.db",
					DatabaseURL:           "postgres://localhost/pinggy",
					HTTPAddr:              ":8080",
					LogLevel:              "debug",
					TelegramBotToken:      "tok",
					AllowedUsers:          []int64{111, 222, 333},
					FetchIntervalOverride: 15,
					DefaultFetchInterval:  30,
					ArchiveAfter:          7 * 24 * time.Hour,
					BootstrapWindow:       14 * 24 * time.Hour,
					MaxItems:              20,
					PageLimit:             25,
					FetchTimeout:          5 * time.Second,
				}
			},
		},
		{
			name: "allowed users with spaces",
			env:  map[string]string{"ALLOWED_USERS": " 10 , 20 , "},
			want: func() *Config {
				c := defaults()
				c.AllowedUsers = []int64{10, 20}
				return c
			},
		},
		{
			name:    "invalid user id",
			env:     map[string]string{"ALLOWED_USERS": "123,abc"},
			wantErr: true,
		},
		{
			name:    "postgres without dsn",
			env:     map[string]string{"DB_DRIVER": "postgres"},
			wantErr: true,
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"DB_DRIVER": "mongo"},
			wantErr: true,
		},
		{
			name:    "negative override",
			env:     map[string]string{"FETCH_INTERVAL_OVERRIDE": "-5"},
			wantErr: true,
		},
		{
			name:    "zero page limit",
			env:     map[string]string{"PAGE_LIMIT": "0"},
			wantErr: true,
		},
		{
			name:    "bad timeout",
			env:     map[string]string{"FETCH_TIMEOUT": "soon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range envKeys {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want(), got); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBotEnabled(t *testing.T) {
	if (&Config{}).BotEnabled() {
		t.Error("bot enabled without token")
	}
	if !(&Config{TelegramBotToken: "tok"}).BotEnabled() {
		t.Error("bot disabled with token")
	}
}

func TestIsUserAllowed(t *testing.T) {
	tests := []struct {
		name         string
		allowedUsers []int64
		userID       int64
		want         bool
	}{
		{
			name:         "empty list allows everyone",
			allowedUsers: nil,
			userID:       42,
			want:         true,
		},
		{
			name:         "user in list",
			allowedUsers: []int64{10, 20, 30},
			userID:       20,
			want:         true,
		},
		{
			name:         "user not in list",
			allowedUsers: []int64{10, 20, 30},
			userID:       99,
			want:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{AllowedUsers: tt.allowedUsers}
			got := cfg.IsUserAllowed(tt.userID)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("IsUserAllowed() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
