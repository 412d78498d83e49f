// Package config provides configuration management for ralph.
// It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for ralph.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Activity ActivityConfig `mapstructure:"activity"`
	Verifier VerifierConfig `mapstructure:"verifier"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig holds Session Store connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// TerminalConfig holds the subprocess terminal-driver configuration.
type TerminalConfig struct {
	// Binary is the name (or path) of the terminal multiplexer executable.
	Binary string `mapstructure:"binary"`
	// SessionPrefix restricts list() to supervisor-owned sessions.
	SessionPrefix string `mapstructure:"sessionPrefix"`
	// DefaultCols/DefaultRows size newly created sessions.
	DefaultCols int `mapstructure:"defaultCols"`
	DefaultRows int `mapstructure:"defaultRows"`
}

// ActivityConfig holds Activity Detector thresholds.
type ActivityConfig struct {
	ActiveIdleThresholdMS int `mapstructure:"activeIdleThresholdMs"`
	WaitingThresholdMS    int `mapstructure:"waitingThresholdMs"`
}

func (a *ActivityConfig) ActiveIdleThreshold() time.Duration {
	return time.Duration(a.ActiveIdleThresholdMS) * time.Millisecond
}

func (a *ActivityConfig) WaitingThreshold() time.Duration {
	return time.Duration(a.WaitingThresholdMS) * time.Millisecond
}

// VerifierConfig holds the LLM Verifier's persisted settings. This mirrors
// the "Verifier config" persisted key/value record in the data model; the
// copy here is process-wide defaults, the Session Store's Verifier record
// is the live, cacheable source of truth consulted by internal/verifier.
type VerifierConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	APIURL    string `mapstructure:"apiUrl"`
	APIKey    string `mapstructure:"apiKey"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
}

// WatchdogConfig holds the SLA thresholds and sweep interval.
type WatchdogConfig struct {
	IntervalSeconds         int `mapstructure:"intervalSeconds"`
	WarningSeconds          int `mapstructure:"warningSeconds"`
	StuckSeconds            int `mapstructure:"stuckSeconds"`
	CriticalSeconds         int `mapstructure:"criticalSeconds"`
	CriticalStartedSeconds  int `mapstructure:"criticalStartedSeconds"`
	QueueBlockSeconds       int `mapstructure:"queueBlockSeconds"`
	MaxHealthFailures       int `mapstructure:"maxHealthFailures"`
	ArchiveSweepIntervalMin int `mapstructure:"archiveSweepIntervalMinutes"`
	ArchiveAfterDays        int `mapstructure:"archiveAfterDays"`
}

func (w *WatchdogConfig) Interval() time.Duration {
	return time.Duration(w.IntervalSeconds) * time.Second
}

// EventsConfig holds event bus fan-out configuration.
type EventsConfig struct {
	// NATSURL mirrors every in-process event to NATS when non-empty.
	NATSURL string `mapstructure:"natsUrl"`
	// Namespace prefixes mirrored NATS subjects for multi-deployment isolation.
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// detectDefaultLogFormat returns "json" for production-like environments,
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RALPH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./ralph.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ralph")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "ralph")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("terminal.binary", "tmux")
	v.SetDefault("terminal.sessionPrefix", "ralph-")
	v.SetDefault("terminal.defaultCols", 220)
	v.SetDefault("terminal.defaultRows", 50)

	v.SetDefault("activity.activeIdleThresholdMs", 3000)
	v.SetDefault("activity.waitingThresholdMs", 6000)

	v.SetDefault("verifier.enabled", false)
	v.SetDefault("verifier.apiUrl", "https://api.openai.com/v1")
	v.SetDefault("verifier.apiKey", "")
	v.SetDefault("verifier.model", "gpt-4o-mini")
	v.SetDefault("verifier.maxTokens", 500)

	v.SetDefault("watchdog.intervalSeconds", 15)
	v.SetDefault("watchdog.warningSeconds", 120)
	v.SetDefault("watchdog.stuckSeconds", 300)
	v.SetDefault("watchdog.criticalSeconds", 600)
	v.SetDefault("watchdog.criticalStartedSeconds", 900)
	v.SetDefault("watchdog.queueBlockSeconds", 1800)
	v.SetDefault("watchdog.maxHealthFailures", 5)
	v.SetDefault("watchdog.archiveSweepIntervalMinutes", 60)
	v.SetDefault("watchdog.archiveAfterDays", 30)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix RALPH_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "RALPH_LOG_LEVEL")
	_ = v.BindEnv("verifier.apiKey", "RALPH_VERIFIER_API_KEY")
	_ = v.BindEnv("events.namespace", "RALPH_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ralph/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that configuration values are internally consistent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.Verifier.Enabled && cfg.Verifier.APIKey == "" {
		errs = append(errs, "verifier.apiKey is required when verifier.enabled is true")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Watchdog.IntervalSeconds <= 0 {
		errs = append(errs, "watchdog.intervalSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
