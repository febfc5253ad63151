// Package config provides configuration types, defaults and loading for procctl.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/zjrosen/procctl/internal/comms"
	"github.com/zjrosen/procctl/internal/log"
	"github.com/zjrosen/procctl/internal/tracing"
)

// Config holds all configuration options for procctl.
type Config struct {
	Broker     comms.Config     `mapstructure:"broker" yaml:"broker"`
	Controller ControllerConfig `mapstructure:"controller" yaml:"controller"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Tracing    tracing.Config   `mapstructure:"tracing" yaml:"tracing"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// ControllerConfig holds thread controller settings.
type ControllerConfig struct {
	// Timeout bounds how long CLI commands wait on a handle.
	// Default: 5s
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `mapstructure:"level" yaml:"level"`

	// File is the log file path. Empty logs to stderr.
	File string `mapstructure:"file" yaml:"file"`
}

// MetricsConfig holds prometheus settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Addr is the listen address for the watch command's /metrics endpoint.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DefaultConfigPath is the project-local config file.
const DefaultConfigPath = ".procctl/config.yaml"

// UserConfigDir returns ~/.config/procctl, or an empty string if the home
// directory is unavailable.
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "procctl")
}

// DefaultTracesFilePath returns ~/.config/procctl/traces/traces.jsonl or an
// empty string if the home directory is unavailable.
func DefaultTracesFilePath() string {
	dir := UserConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	tc := tracing.DefaultConfig()
	tc.FilePath = DefaultTracesFilePath()

	return Config{
		Broker: comms.DefaultConfig(),
		Controller: ControllerConfig{
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Tracing: tc,
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return err
	}
	if c.Controller.Timeout < 0 {
		return fmt.Errorf("controller.timeout must not be negative, got %v", c.Controller.Timeout)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// SetDefaults registers every default on v so env overrides and partial
// files resolve against them.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("broker.url", d.Broker.URL)
	v.SetDefault("broker.task_exchange", d.Broker.TaskExchange)
	v.SetDefault("broker.broadcast_exchange", d.Broker.BroadcastExchange)
	v.SetDefault("broker.task_queue", d.Broker.TaskQueue)
	v.SetDefault("broker.testing_mode", d.Broker.TestingMode)
	v.SetDefault("broker.dedup_ttl", d.Broker.DedupTTL)
	v.SetDefault("broker.task_rate_limit", d.Broker.TaskRateLimit)
	v.SetDefault("broker.task_rate_burst", d.Broker.TaskRateBurst)
	v.SetDefault("controller.timeout", d.Controller.Timeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Load decodes v into a validated Config. Defaults must already be set.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Reload re-reads v's config file and applies the new log level. Other
// settings only take effect on restart.
func Reload(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Load(v)
	if err != nil {
		return Config{}, err
	}
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return Config{}, err
	}
	if level != log.MinLevel() {
		log.Info(log.CatConfig, "log level changed", "from", log.MinLevel(), "to", level)
		log.SetMinLevel(level)
	}
	return cfg, nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# procctl configuration

# Message broker settings
broker:
  url: mem://localhost              # only the in-memory broker (mem://) is supported
  task_exchange: procctl.tasks
  broadcast_exchange: procctl.broadcasts
  task_queue: procctl.task_queue    # each process binds <task_queue>.<pid>
  testing_mode: false               # suffix names with a uuid per communicator
  dedup_ttl: 5m                     # how long delivered correlation ids are remembered
  task_rate_limit: 0                # tasks per second per pid, 0 disables
  task_rate_burst: 0

# Thread controller settings
controller:
  timeout: 5s                       # how long commands wait for a result

# Logging
log:
  level: info                       # debug, info, warn or error
  # file: .procctl/debug.log        # log to a file instead of stderr

# Distributed tracing
# tracing:
#   enabled: false                  # Enable/disable tracing (default: false)
#   exporter: file                  # Export backend: none, file, stdout, otlp
#   file_path: ~/.config/procctl/traces/traces.jsonl
#   otlp_endpoint: localhost:4317   # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0                # Trace sampling rate 0.0-1.0

# Prometheus metrics
metrics:
  enabled: false
  addr: 127.0.0.1:9464              # /metrics listen address for 'procctl watch'
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
