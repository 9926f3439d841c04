package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "crucible.db"
	defaultPollInterval = 10 * time.Second

	envListenAddr    = "CRUCIBLE_LISTEN_ADDR"
	envDBPath        = "CRUCIBLE_DB_PATH"
	envLogLevel      = "CRUCIBLE_LOG_LEVEL"
	envWebhookSecret = "CRUCIBLE_WEBHOOK_SECRET"
	envPollInterval  = "CRUCIBLE_POLL_INTERVAL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr    string
	DBPath        string
	LogLevel      slog.Level
	WebhookSecret string
	PollInterval  time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// An empty webhook secret disables signature verification on the worker push
// endpoints.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		PollInterval: defaultPollInterval,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.WebhookSecret = os.Getenv(envWebhookSecret)
	if v := os.Getenv(envPollInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
