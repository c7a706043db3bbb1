package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RunLogConfig controls retention of job log files under base_dir.
type RunLogConfig struct {
	RetentionDays   int    `yaml:"retention_days" json:"retention_days"`
	MaxTotalMB      int64  `yaml:"max_total_mb" json:"max_total_mb"`
	CleanupInterval string `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// SlurmConfig holds settings for the slurm backend.
type SlurmConfig struct {
	// BinDir is the directory containing sbatch, sacct and squeue. Empty
	// means resolve them from PATH.
	BinDir string `yaml:"bin_dir" json:"bin_dir,omitempty"`
}

// S3Config describes an S3 (or S3-compatible) bucket that receives published
// statistics and reports.
type S3Config struct {
	Bucket         string `yaml:"bucket" json:"bucket"`
	Prefix         string `yaml:"prefix" json:"prefix,omitempty"`
	Region         string `yaml:"region" json:"region,omitempty"`
	Endpoint       string `yaml:"endpoint" json:"endpoint,omitempty"`
	Profile        string `yaml:"profile" json:"profile,omitempty"`
	ForcePathStyle bool   `yaml:"force_path_style" json:"force_path_style,omitempty"`
	// Static credentials. Empty uses the SDK default chain.
	AccessKeyID     string `yaml:"access_key_id" json:"-"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-"`
}

// PublishConfig lists the sinks that receive artifacts after each harvest.
type PublishConfig struct {
	Dir string    `yaml:"dir" json:"dir,omitempty"`
	S3  *S3Config `yaml:"s3" json:"s3,omitempty"`
}

// Config is the top-level daemon configuration parsed from queuewatch.yaml.
type Config struct {
	Listen   string `yaml:"listen" json:"listen"`
	DataDir  string `yaml:"data_dir" json:"data_dir"`
	BaseDir  string `yaml:"base_dir" json:"base_dir"`
	TestsDir string `yaml:"tests_dir" json:"tests_dir"`
	// Store selects the job record store: "sqlite" or "memory".
	Store string `yaml:"store" json:"store"`

	AccountName string `yaml:"account_name" json:"account_name"`
	UserName    string `yaml:"user_name" json:"user_name"`

	StatIntervalHours              int   `yaml:"stat_interval_hours" json:"stat_interval_hours"`
	RuntimeWarningThresholdSeconds int64 `yaml:"runtime_warning_threshold_seconds" json:"runtime_warning_threshold_seconds"`
	PrintSuccess                   bool  `yaml:"print_success" json:"print_success"`

	// CompletionLookback bounds how far back the completion query looks.
	CompletionLookback string `yaml:"completion_lookback" json:"completion_lookback"`
	// GracePeriod is how long an accepted job may stay unconfirmed before it
	// is classified lost. "0" disables lost classification.
	GracePeriod    string `yaml:"grace_period" json:"grace_period"`
	CommandTimeout string `yaml:"command_timeout" json:"command_timeout"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
	LogFile   string `yaml:"log_file" json:"log_file,omitempty"`

	Slurm   SlurmConfig   `yaml:"slurm" json:"slurm"`
	RunLogs RunLogConfig  `yaml:"run_logs" json:"run_logs"`
	Publish PublishConfig `yaml:"publish" json:"publish"`

	// Path is the absolute path the configuration was loaded from. Jobs
	// receive it as QUEUEWATCH_CONFIGFILE.
	Path string `yaml:"-" json:"path,omitempty"`
}

func applyDefaults(c *Config) {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandPath(c.DataDir)
	if c.BaseDir == "" {
		c.BaseDir = defaultBaseDir()
	}
	c.BaseDir = expandPath(c.BaseDir)
	if c.TestsDir == "" {
		c.TestsDir = filepath.Join(c.BaseDir, "tests")
	} else {
		c.TestsDir = expandPath(c.TestsDir)
	}
	if c.Store == "" {
		c.Store = "sqlite"
	}
	if c.StatIntervalHours <= 0 {
		c.StatIntervalHours = 24
	}
	if c.CompletionLookback == "" {
		c.CompletionLookback = "48h"
	}
	if c.GracePeriod == "" {
		c.GracePeriod = "48h"
	}
	if c.CommandTimeout == "" {
		c.CommandTimeout = "2m"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.LogFile != "" {
		c.LogFile = expandPath(c.LogFile)
	}
	if c.Slurm.BinDir != "" {
		c.Slurm.BinDir = expandPath(c.Slurm.BinDir)
	}
	if c.RunLogs.RetentionDays <= 0 {
		c.RunLogs.RetentionDays = 14
	}
	if c.RunLogs.MaxTotalMB <= 0 {
		c.RunLogs.MaxTotalMB = 512
	}
	if c.RunLogs.CleanupInterval == "" {
		c.RunLogs.CleanupInterval = "1h"
	}
	if c.Publish.Dir != "" {
		c.Publish.Dir = expandPath(c.Publish.Dir)
	}
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "./queuewatch"
	}
	return filepath.Join(home, "queuewatch")
}

func expandPath(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}

	v = os.ExpandEnv(v)

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return v
	}

	if v == "~" {
		return home
	}
	if strings.HasPrefix(v, "~/") {
		return filepath.Join(home, v[2:])
	}
	return v
}

// SetBaseDir moves the base directory. A tests directory that was derived
// from the old base directory moves with it.
func (c *Config) SetBaseDir(dir string) {
	old := c.BaseDir
	c.BaseDir = expandPath(dir)
	if c.TestsDir == "" || c.TestsDir == filepath.Join(old, "tests") {
		c.TestsDir = filepath.Join(c.BaseDir, "tests")
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Store {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid store %q: want sqlite or memory", c.Store)
	}
	for name, v := range map[string]string{
		"completion_lookback":       c.CompletionLookback,
		"grace_period":              c.GracePeriod,
		"command_timeout":           c.CommandTimeout,
		"run_logs.cleanup_interval": c.RunLogs.CleanupInterval,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid %s: must not be negative", name)
		}
	}
	if c.RuntimeWarningThresholdSeconds < 0 {
		return fmt.Errorf("invalid runtime_warning_threshold_seconds: must not be negative")
	}
	if c.Publish.S3 != nil && strings.TrimSpace(c.Publish.S3.Bucket) == "" {
		return fmt.Errorf("publish.s3.bucket is required when publish.s3 is set")
	}
	return nil
}

// Lookback returns the parsed completion lookback.
func (c *Config) Lookback() time.Duration {
	return mustDuration(c.CompletionLookback, 48*time.Hour)
}

// Grace returns the parsed default grace period.
func (c *Config) Grace() time.Duration {
	return mustDuration(c.GracePeriod, 48*time.Hour)
}

// Timeout returns the parsed backend command timeout.
func (c *Config) Timeout() time.Duration {
	return mustDuration(c.CommandTimeout, 2*time.Minute)
}

// CleanupEvery returns how often job logs are pruned.
func (c *Config) CleanupEvery() time.Duration {
	d := mustDuration(c.RunLogs.CleanupInterval, time.Hour)
	if d == 0 {
		return time.Hour
	}
	return d
}

// DBPath is the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "queuewatch.db")
}

// StatsDir holds one statistics CSV per test.
func (c *Config) StatsDir() string {
	return filepath.Join(c.DataDir, "stats")
}

func mustDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// LoadConfig reads a YAML configuration file from path and returns
// a Config with defaults applied for any unset fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	if abs, err := filepath.Abs(path); err == nil {
		cfg.Path = abs
	} else {
		cfg.Path = path
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, for use when
// no configuration file exists.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}
