package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.CheckInterval.Duration() != 15*time.Second {
		t.Errorf("CheckInterval = %v, want 15s", cfg.CheckInterval.Duration())
	}
	if cfg.CleanupSchedule != "0 3 * * *" {
		t.Errorf("CleanupSchedule = %q, want %q", cfg.CleanupSchedule, "0 3 * * *")
	}
	if cfg.MaxConcurrency != 4 {
		t.Errorf("MaxConcurrency = %d, want 4", cfg.MaxConcurrency)
	}
	if cfg.UsesBucket() {
		t.Error("UsesBucket() = true, want false")
	}
	if got := cfg.StorageRetention(); got.RequestLogs != 30*24*time.Hour || got.Sessions != 7*24*time.Hour {
		t.Errorf("StorageRetention() = %+v", got)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
port: 9090
check_interval: 30s
max_concurrency: 8
retention:
  request_logs: 48h
telegram:
  api_base: http://localhost:9999
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.CheckInterval.Duration() != 30*time.Second {
		t.Errorf("CheckInterval = %v, want 30s", cfg.CheckInterval.Duration())
	}
	if cfg.MaxConcurrency != 8 {
		t.Errorf("MaxConcurrency = %d, want 8", cfg.MaxConcurrency)
	}
	if cfg.Telegram.APIBase != "http://localhost:9999" {
		t.Errorf("Telegram.APIBase = %q", cfg.Telegram.APIBase)
	}

	r := cfg.StorageRetention()
	if r.RequestLogs != 48*time.Hour {
		t.Errorf("RequestLogs retention = %v, want 48h", r.RequestLogs)
	}
	// untouched keys keep their defaults
	if r.LoginLogs != 30*24*time.Hour {
		t.Errorf("LoginLogs retention = %v, want 720h", r.LoginLogs)
	}
	if cfg.CleanupSchedule != "0 3 * * *" {
		t.Errorf("CleanupSchedule = %q, want default", cfg.CleanupSchedule)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
port: 9090
check_interval: 30s
`)
	t.Setenv("PORT", "7070")
	t.Setenv("CHECK_INTERVAL", "5s")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("LOCAL_STORAGE", "/tmp/changewatch")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Port)
	}
	if cfg.CheckInterval.Duration() != 5*time.Second {
		t.Errorf("CheckInterval = %v, want 5s", cfg.CheckInterval.Duration())
	}
	if cfg.Telegram.BotToken != "123:abc" {
		t.Errorf("Telegram.BotToken = %q", cfg.Telegram.BotToken)
	}
	if !cfg.UsesBucket() {
		t.Error("UsesBucket() = false, want true")
	}
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("CW_TEST_TOKEN", "secret")
	cfg, err := Parse([]byte("telegram:\n  bot_token: ${CW_TEST_TOKEN}\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Telegram.BotToken != "secret" {
		t.Errorf("BotToken = %q, want secret", cfg.Telegram.BotToken)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
	}{
		{name: "bad duration", yaml: "check_interval: soon\n", wantErr: "invalid duration"},
		{name: "tick too small", yaml: "check_interval: 500ms\n", wantErr: "check_interval must be at least"},
		{name: "bad cron", yaml: "cleanup_schedule: nightly\n", wantErr: "cleanup_schedule"},
		{name: "bad log level", yaml: "log_level: loud\n", wantErr: "log_level"},
		{name: "both storages", yaml: "storage_bucket: b\nlocal_storage: /tmp/x\n", wantErr: "mutually exclusive"},
		{name: "unknown email provider", yaml: "email:\n  provider: pigeon\n", wantErr: "unknown provider"},
		{name: "brevo without key", yaml: "email:\n  provider: brevo\n", wantErr: "brevo_api_key"},
		{name: "gmail without credentials", yaml: "email:\n  provider: gmail\n", wantErr: "credentials"},
		{name: "bad env int", env: map[string]string{"MAX_CONCURRENCY": "lots"}, wantErr: "MAX_CONCURRENCY"},
		{name: "zero concurrency from env", env: map[string]string{"MAX_CONCURRENCY": "0"}, wantErr: "max_concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeConfig(t, tt.yaml)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() error = nil, want error")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		cfg := Config{LogLevel: in}
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
