// Package config loads service configuration from defaults, an optional YAML
// file, and the environment, in that order of precedence.
//
// Example configuration:
//
//	port: 8080
//	log_level: info
//	database_path: changewatch.db
//	check_interval: 15s
//	cleanup_schedule: "0 3 * * *"
//	max_concurrency: 4
//
//	telegram:
//	  bot_token: ${TELEGRAM_BOT_TOKEN}
//
//	email:
//	  provider: brevo
//	  from_address: alerts@example.com
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"changewatch/storage"
)

// minCheckInterval is the smallest tick the timer can express.
const minCheckInterval = time.Second

// Email provider names.
const (
	EmailGmail = "gmail"
	EmailBrevo = "brevo"
	EmailMock  = "mock"
)

// Config is the root configuration structure.
type Config struct {
	// Port is the HTTP server port.
	Port int `yaml:"port"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// DatabasePath is the SQLite file used when no bucket storage is configured.
	DatabasePath string `yaml:"database_path"`

	// StorageBucket selects GCS object storage when set.
	StorageBucket string `yaml:"storage_bucket"`

	// LocalStorage selects a local directory of JSON objects when set.
	LocalStorage string `yaml:"local_storage"`

	// CheckInterval is the scheduler tick.
	CheckInterval Duration `yaml:"check_interval"`

	// CleanupSchedule is a 5-field cron expression for housekeeping, in UTC.
	CleanupSchedule string `yaml:"cleanup_schedule"`

	// MaxConcurrency bounds parallel checks within one tick.
	MaxConcurrency int `yaml:"max_concurrency"`

	// FetchTimeout bounds each outbound request.
	FetchTimeout Duration `yaml:"fetch_timeout"`

	Retention RetentionConfig `yaml:"retention"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Email     EmailConfig     `yaml:"email"`
}

// RetentionConfig controls housekeeping.
type RetentionConfig struct {
	RequestLogs Duration `yaml:"request_logs"`
	LoginLogs   Duration `yaml:"login_logs"`
	Sessions    Duration `yaml:"sessions"`
}

// TelegramConfig holds the process-wide bot credentials.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	APIBase  string `yaml:"api_base"`
}

// EmailConfig selects and configures the email provider.
type EmailConfig struct {
	// Provider is gmail, brevo, or mock. Empty selects mock.
	Provider        string `yaml:"provider"`
	CredentialsJSON string `yaml:"credentials_json"`
	CredentialsFile string `yaml:"credentials_file"`
	BrevoAPIKey     string `yaml:"brevo_api_key"`
	BrevoEndpoint   string `yaml:"brevo_endpoint"`
	FromAddress     string `yaml:"from_address"`
	FromName        string `yaml:"from_name"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:            8080,
		LogLevel:        "info",
		DatabasePath:    "changewatch.db",
		CheckInterval:   Duration(15 * time.Second),
		CleanupSchedule: "0 3 * * *",
		MaxConcurrency:  4,
		FetchTimeout:    Duration(30 * time.Second),
		Retention: RetentionConfig{
			RequestLogs: Duration(storage.DefaultRetention.RequestLogs),
			LoginLogs:   Duration(storage.DefaultRetention.LoginLogs),
			Sessions:    Duration(storage.DefaultRetention.Sessions),
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		fileCfg, err := Parse(data)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(cfg, *fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML without applying defaults. ${VAR} references are
// expanded from the environment first; unset variables expand to "".
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides fields from environment variables that are set and non-empty.
func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_PATH", &c.DatabasePath)
	str("STORAGE_BUCKET", &c.StorageBucket)
	str("LOCAL_STORAGE", &c.LocalStorage)
	str("CLEANUP_SCHEDULE", &c.CleanupSchedule)
	str("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	str("TELEGRAM_API_BASE", &c.Telegram.APIBase)
	str("EMAIL_PROVIDER", &c.Email.Provider)
	str("GOOGLE_CREDENTIALS_JSON", &c.Email.CredentialsJSON)
	str("BREVO_API_KEY", &c.Email.BrevoAPIKey)
	str("MAIL_FROM", &c.Email.FromAddress)
	str("MAIL_FROM_NAME", &c.Email.FromName)

	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: invalid integer %q", v)
		}
		c.Port = n
	}
	if v := os.Getenv("MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_CONCURRENCY: invalid integer %q", v)
		}
		c.MaxConcurrency = n
	}
	if v := os.Getenv("CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CHECK_INTERVAL: %w", err)
		}
		c.CheckInterval = Duration(d)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.CheckInterval.Duration() < minCheckInterval {
		return fmt.Errorf("check_interval must be at least %s, got %s", minCheckInterval, c.CheckInterval.Duration())
	}
	if _, err := cron.ParseStandard(c.CleanupSchedule); err != nil {
		return fmt.Errorf("cleanup_schedule %q: %w", c.CleanupSchedule, err)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.FetchTimeout.Duration() <= 0 {
		return errors.New("fetch_timeout must be positive")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.StorageBucket != "" && c.LocalStorage != "" {
		return errors.New("storage_bucket and local_storage are mutually exclusive")
	}
	if c.StorageBucket == "" && c.LocalStorage == "" && c.DatabasePath == "" {
		return errors.New("database_path is required when no bucket storage is configured")
	}

	switch c.Email.Provider {
	case "", EmailMock:
	case EmailGmail:
		if c.Email.CredentialsJSON == "" && c.Email.CredentialsFile == "" {
			return errors.New("email: gmail provider requires credentials_json or credentials_file")
		}
	case EmailBrevo:
		if c.Email.BrevoAPIKey == "" || c.Email.FromAddress == "" {
			return errors.New("email: brevo provider requires brevo_api_key and from_address")
		}
	default:
		return fmt.Errorf("email: unknown provider %q (expected gmail, brevo, or mock)", c.Email.Provider)
	}
	return nil
}

// UsesBucket reports whether items are kept in object storage instead of SQLite.
func (c *Config) UsesBucket() bool {
	return c.StorageBucket != "" || c.LocalStorage != ""
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// StorageRetention converts the retention settings, filling unset windows
// with defaults.
func (c *Config) StorageRetention() storage.Retention {
	r := storage.Retention{
		RequestLogs: c.Retention.RequestLogs.Duration(),
		LoginLogs:   c.Retention.LoginLogs.Duration(),
		Sessions:    c.Retention.Sessions.Duration(),
	}
	if r.RequestLogs <= 0 {
		r.RequestLogs = storage.DefaultRetention.RequestLogs
	}
	if r.LoginLogs <= 0 {
		r.LoginLogs = storage.DefaultRetention.LoginLogs
	}
	if r.Sessions <= 0 {
		r.Sessions = storage.DefaultRetention.Sessions
	}
	return r
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", s)
	}
}
