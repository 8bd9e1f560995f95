package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/loykin/kvdl/internal/acquire"
	"github.com/loykin/kvdl/internal/detector"
	"github.com/loykin/kvdl/internal/env"
	"github.com/loykin/kvdl/internal/logger"
	"github.com/loykin/kvdl/internal/retry"
	"github.com/loykin/kvdl/internal/setting"
	"github.com/loykin/kvdl/internal/surface/chrome"
)

// EnvPrefix prefixes environment overrides, e.g. KVDL_SITE_HEADLESS=true.
const EnvPrefix = "KVDL"

// Config represents the top-level TOML structure.
type Config struct {
	Site      SiteConfig      `toml:"site" mapstructure:"site"`
	Download  DownloadConfig  `toml:"download" mapstructure:"download"`
	Retry     RetryConfig     `toml:"retry" mapstructure:"retry"`
	Setting   SettingConfig   `toml:"setting" mapstructure:"setting"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Telemetry TelemetryConfig `toml:"telemetry" mapstructure:"telemetry"`
}

type SiteConfig struct {
	Domain        string        `toml:"domain" mapstructure:"domain"`
	Headless      bool          `toml:"headless" mapstructure:"headless"`
	WindowWidth   int           `toml:"window_width" mapstructure:"window_width"`
	WindowHeight  int           `toml:"window_height" mapstructure:"window_height"`
	ChromePath    string        `toml:"chrome_path" mapstructure:"chrome_path"`
	ActionTimeout time.Duration `toml:"action_timeout" mapstructure:"action_timeout"`
}

type DownloadConfig struct {
	Dir               string        `toml:"dir" mapstructure:"dir"`
	ProgressDir       string        `toml:"progress_dir" mapstructure:"progress_dir"`
	PartialSuffix     string        `toml:"partial_suffix" mapstructure:"partial_suffix"`
	PollInterval      time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	CompletionTimeout time.Duration `toml:"completion_timeout" mapstructure:"completion_timeout"`
}

type RetryConfig struct {
	MaxAttempts        int           `toml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay          time.Duration `toml:"base_delay" mapstructure:"base_delay"`
	TriggerTimeout     time.Duration `toml:"trigger_timeout" mapstructure:"trigger_timeout"`
	TriggerTimeoutStep time.Duration `toml:"trigger_timeout_step" mapstructure:"trigger_timeout_step"`
}

type SettingConfig struct {
	MaxIterations int           `toml:"max_iterations" mapstructure:"max_iterations"`
	Settle        time.Duration `toml:"settle" mapstructure:"settle"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Timestamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSN     []string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the status API over HTTPS. Either CertFile and KeyFile
// or Dir (holding tls.crt and tls.key) must be set when Enabled.
type TLSConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"`
}

type TelemetryConfig struct {
	Endpoint string `toml:"endpoint" mapstructure:"endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.domain", acquire.DefaultDomain)
	v.SetDefault("site.headless", false)
	v.SetDefault("site.window_width", 1440)
	v.SetDefault("site.window_height", 1200)
	v.SetDefault("site.chrome_path", "")
	v.SetDefault("site.action_timeout", chrome.DefaultActionTimeout)

	v.SetDefault("download.dir", "")
	v.SetDefault("download.progress_dir", "")
	v.SetDefault("download.partial_suffix", detector.DefaultPartialSuffix)
	v.SetDefault("download.poll_interval", detector.DefaultInterval)
	v.SetDefault("download.completion_timeout", detector.DefaultTimeout)

	v.SetDefault("retry.max_attempts", retry.DefaultMaxAttempts)
	v.SetDefault("retry.base_delay", retry.DefaultBaseDelay)
	v.SetDefault("retry.trigger_timeout", retry.DefaultBaseTimeout)
	v.SetDefault("retry.trigger_timeout_step", retry.DefaultTimeoutStep)

	v.SetDefault("setting.max_iterations", setting.DefaultMaxIterations)
	v.SetDefault("setting.settle", setting.DefaultSettle)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.timestamps", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", []string{})
	v.SetDefault("metrics.listen", "")
	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("telemetry.endpoint", "")
}

// Load reads the TOML file at path (optional) on top of the defaults and
// applies KVDL_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.expandPaths(env.New())
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// expandPaths resolves $VAR, ${VAR} and a leading ~ in path-valued settings.
func (c *Config) expandPaths(e *env.Env) {
	for _, p := range []*string{
		&c.Site.ChromePath,
		&c.Download.Dir,
		&c.Download.ProgressDir,
		&c.Log.File,
		&c.Server.TLS.CertFile,
		&c.Server.TLS.KeyFile,
		&c.Server.TLS.Dir,
	} {
		*p = e.ExpandPath(*p)
	}
	for i, dsn := range c.History.DSN {
		c.History.DSN[i] = e.Expand(dsn)
	}
}

// Validate rejects values no run could work with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Site.Domain) == "" {
		errs = append(errs, errors.New("site.domain must not be empty"))
	}
	if c.Site.ActionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("site.action_timeout must be positive, got %s", c.Site.ActionTimeout))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("retry.base_delay must not be negative, got %s", c.Retry.BaseDelay))
	}
	if c.Retry.TriggerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("retry.trigger_timeout must be positive, got %s", c.Retry.TriggerTimeout))
	}
	if c.Download.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("download.poll_interval must be positive, got %s", c.Download.PollInterval))
	}
	if c.Download.CompletionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("download.completion_timeout must be positive, got %s", c.Download.CompletionTimeout))
	}
	if c.Setting.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("setting.max_iterations must be positive, got %d", c.Setting.MaxIterations))
	}
	if c.Setting.Settle <= 0 {
		errs = append(errs, fmt.Errorf("setting.settle must be positive, got %s", c.Setting.Settle))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.History.Enabled && len(c.History.DSN) == 0 {
		errs = append(errs, errors.New("history.enabled requires at least one history.dsn"))
	}
	return errors.Join(errs...)
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		BaseTimeout: c.Retry.TriggerTimeout,
		TimeoutStep: c.Retry.TriggerTimeoutStep,
	}
}

// LoggerConfig converts the log section. debug forces the debug level.
func (c *Config) LoggerConfig(debug bool) logger.Config {
	level := c.Log.Level
	if debug {
		level = "debug"
	}
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      level,
			Format:     c.Log.Format,
			Color:      c.Log.Color,
			TimeStamps: c.Log.Timestamps,
		},
		File: logger.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// SessionConfig converts the site, download and setting sections for a
// session saving into downloadDir.
func (c *Config) SessionConfig(downloadDir string) acquire.Config {
	return acquire.Config{
		Domain:            c.Site.Domain,
		DownloadDir:       downloadDir,
		PartialSuffix:     c.Download.PartialSuffix,
		PollInterval:      c.Download.PollInterval,
		CompletionTimeout: c.Download.CompletionTimeout,
		Setting: setting.Options{
			MaxIterations: c.Setting.MaxIterations,
			Settle:        c.Setting.Settle,
		},
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
