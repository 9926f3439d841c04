package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		envListenAddr, envDBPath, envLogLevel, envWebhookSecret, envPollInterval,
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.WebhookSecret != "" {
		t.Errorf("WebhookSecret = %q, want empty", cfg.WebhookSecret)
	}
	if cfg.PollInterval != defaultPollInterval {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, defaultPollInterval)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9999")
	t.Setenv(envDBPath, "/tmp/crucible-test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envWebhookSecret, "s3cret")
	t.Setenv(envPollInterval, "250ms")

	cfg := Load()
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DBPath != "/tmp/crucible-test.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.WebhookSecret != "s3cret" {
		t.Errorf("WebhookSecret = %q", cfg.WebhookSecret)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.PollInterval)
	}
}

func TestLoadRejectsBadPollInterval(t *testing.T) {
	t.Setenv(envPollInterval, "soon")
	if cfg := Load(); cfg.PollInterval != defaultPollInterval {
		t.Errorf("PollInterval = %v, want default for unparsable value", cfg.PollInterval)
	}

	t.Setenv(envPollInterval, "-3s")
	if cfg := Load(); cfg.PollInterval != defaultPollInterval {
		t.Errorf("PollInterval = %v, want default for negative value", cfg.PollInterval)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
