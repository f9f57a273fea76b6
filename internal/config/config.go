package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/proxyprobe/internal/logger"
	"github.com/loykin/proxyprobe/internal/ports"
	"github.com/loykin/proxyprobe/internal/probe"
	"github.com/loykin/proxyprobe/internal/process"
	"github.com/loykin/proxyprobe/internal/scheduler"
	itls "github.com/loykin/proxyprobe/internal/tls"
)

// EnvPrefix is prepended to every environment override, e.g.
// PROXYPROBE_SCHEDULE_INTERVAL=60s or PROXYPROBE_PORTS_MIN=21000.
const EnvPrefix = "PROXYPROBE"

// Config represents the top-level TOML structure.
type Config struct {
	Engine          EngineConfig   `mapstructure:"engine"`
	Probe           ProbeConfig    `mapstructure:"probe"`
	Ports           PortsConfig    `mapstructure:"ports"`
	Schedule        ScheduleConfig `mapstructure:"schedule"`
	Manifest        ManifestConfig `mapstructure:"manifest"`
	Results         ResultsConfig  `mapstructure:"results"`
	History         HistoryConfig  `mapstructure:"history"`
	Metrics         MetricsConfig  `mapstructure:"metrics"`
	Server          ServerConfig   `mapstructure:"server"`
	Log             logger.Config  `mapstructure:"log"`
	SubscriptionURL string         `mapstructure:"subscription_url"`
}

type EngineConfig struct {
	Binary      string        `mapstructure:"binary"`   // explicit engine path; resolved from core_dir when empty
	CoreDir     string        `mapstructure:"core_dir"` // bundled binaries: <core_dir>/{win,linux,macos}/xray
	ScratchDir  string        `mapstructure:"scratch_dir"`
	WarmUp      time.Duration `mapstructure:"warm_up"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	LogDir      string        `mapstructure:"log_dir"` // engine stdout/stderr files; in-memory tail only when empty
}

type ProbeConfig struct {
	Target         string        `mapstructure:"target"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ExpectedStatus []int         `mapstructure:"expected_status"`
}

type PortsConfig struct {
	Min         int `mapstructure:"min"`
	Max         int `mapstructure:"max"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

type ScheduleConfig struct {
	Interval string        `mapstructure:"interval"` // "300s", "5m", "@every 5m" or plain seconds
	Backoff  time.Duration `mapstructure:"backoff"`
	Pause    time.Duration `mapstructure:"pause"`
	Tick     time.Duration `mapstructure:"tick"`
}

type ManifestConfig struct {
	Dir  string `mapstructure:"dir"`
	File string `mapstructure:"file"` // YAML/JSON manifest; takes precedence over dir
}

type ResultsConfig struct {
	File        string `mapstructure:"file"`
	AtomicWrite bool   `mapstructure:"atomic_write"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSN     string   `mapstructure:"dsn"`
	DSNs    []string `mapstructure:"dsns"`
}

// Sinks returns every configured DSN, dsn first.
func (h HistoryConfig) Sinks() []string {
	if !h.Enabled {
		return nil
	}
	var out []string
	if s := strings.TrimSpace(h.DSN); s != "" {
		out = append(out, s)
	}
	for _, d := range h.DSNs {
		if s := strings.TrimSpace(d); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      itls.Config `mapstructure:"tls"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.binary", "")
	v.SetDefault("engine.core_dir", "./core")
	v.SetDefault("engine.scratch_dir", "")
	v.SetDefault("engine.warm_up", process.DefaultWarmUp)
	v.SetDefault("engine.stop_timeout", process.DefaultStopTimeout)
	v.SetDefault("engine.log_dir", "")

	v.SetDefault("probe.target", probe.DefaultTarget)
	v.SetDefault("probe.timeout", probe.DefaultTimeout)
	v.SetDefault("probe.expected_status", probe.DefaultExpected)

	v.SetDefault("ports.min", ports.DefaultMin)
	v.SetDefault("ports.max", ports.DefaultMax)
	v.SetDefault("ports.max_attempts", ports.DefaultMaxAttempts)

	v.SetDefault("schedule.interval", scheduler.DefaultInterval.String())
	v.SetDefault("schedule.backoff", scheduler.DefaultBackoff)
	v.SetDefault("schedule.pause", scheduler.DefaultPause)
	v.SetDefault("schedule.tick", scheduler.DefaultTick)

	v.SetDefault("manifest.dir", "./configs")
	v.SetDefault("manifest.file", "")

	v.SetDefault("results.file", "./ping_results.json")
	v.SetDefault("results.atomic_write", true)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.dsns", []string{})

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:7070")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.hosts", []string{})
	v.SetDefault("server.tls.valid_days", 365)
	v.SetDefault("server.tls.min_version", "1.2")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("subscription_url", "")
}

// Load reads the TOML file at path (optional: empty path means defaults)
// and applies PROXYPROBE_* environment overrides.
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
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Ports.Min < 1 || c.Ports.Max > 65535 || c.Ports.Min >= c.Ports.Max {
		errs = append(errs, fmt.Errorf("ports: invalid range %d-%d", c.Ports.Min, c.Ports.Max))
	}
	if c.Ports.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ports: max_attempts must be > 0"))
	}
	if _, err := c.Interval(); err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}
	for name, d := range map[string]time.Duration{
		"engine.warm_up":      c.Engine.WarmUp,
		"engine.stop_timeout": c.Engine.StopTimeout,
		"probe.timeout":       c.Probe.Timeout,
		"schedule.backoff":    c.Schedule.Backoff,
		"schedule.tick":       c.Schedule.Tick,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	if c.Schedule.Pause < 0 {
		errs = append(errs, errors.New("schedule.pause must be >= 0"))
	}
	if u, err := url.Parse(c.Probe.Target); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("probe.target must be an http(s) URL: %q", c.Probe.Target))
	}
	if len(c.Probe.ExpectedStatus) == 0 {
		errs = append(errs, errors.New("probe.expected_status must not be empty"))
	}
	if c.Results.File == "" {
		errs = append(errs, errors.New("results.file is required"))
	}
	if c.Manifest.Dir == "" && c.Manifest.File == "" {
		errs = append(errs, errors.New("manifest: dir or file is required"))
	}
	if c.History.Enabled && len(c.History.Sinks()) == 0 {
		errs = append(errs, errors.New("history enabled without dsn"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/': %q", c.Server.BasePath))
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls: cert_file and key_file, or dir, are required"))
	}
	return errors.Join(errs...)
}

// Interval parses schedule.interval.
func (c *Config) Interval() (time.Duration, error) {
	return scheduler.ParseInterval(c.Schedule.Interval)
}

// EngineBinary returns the configured engine path or the platform default.
func (c *Config) EngineBinary() string {
	if c.Engine.Binary != "" {
		return c.Engine.Binary
	}
	return process.ResolveBinary(c.Engine.CoreDir)
}

// EngineOutput returns rotating-file settings for engine stdout/stderr.
func (c *Config) EngineOutput() logger.FileConfig {
	if c.Engine.LogDir == "" {
		return logger.FileConfig{}
	}
	return logger.FileConfig{
		Dir:        c.Engine.LogDir,
		MaxSizeMB:  c.Log.File.MaxSizeMB,
		MaxBackups: c.Log.File.MaxBackups,
		MaxAgeDays: c.Log.File.MaxAgeDays,
		Compress:   c.Log.File.Compress,
	}
}
