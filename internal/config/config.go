package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the mudra host configuration
type Config struct {
	// Data directory for the PID file, logs and history database
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Plugins root. Each subdirectory holding a plugin.json is a plugin.
	PluginsDir string `json:"plugins_dir" mapstructure:"plugins_dir"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Runtime RuntimeConfig `json:"runtime" mapstructure:"runtime"`
	History HistoryConfig `json:"history" mapstructure:"history"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// RuntimeConfig tunes the plugin runtime
type RuntimeConfig struct {
	HostVersion      string `json:"host_version" mapstructure:"host_version"`
	ConfigDebounceMs int    `json:"config_debounce_ms" mapstructure:"config_debounce_ms"`
	ExecTimeoutMs    int    `json:"exec_timeout_ms" mapstructure:"exec_timeout_ms"`
	InstallTimeoutS  int    `json:"install_timeout_s" mapstructure:"install_timeout_s"`
	GitBinary        string `json:"git_binary" mapstructure:"git_binary"`
	CompanionURL     string `json:"companion_url" mapstructure:"companion_url"`
}

// ConfigDebounce returns the config reload debounce window.
func (c RuntimeConfig) ConfigDebounce() time.Duration {
	return time.Duration(c.ConfigDebounceMs) * time.Millisecond
}

// ExecTimeout returns the per-call timeout for exec backends.
func (c RuntimeConfig) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutMs) * time.Millisecond
}

// InstallTimeout returns the git clone timeout.
func (c RuntimeConfig) InstallTimeout() time.Duration {
	return time.Duration(c.InstallTimeoutS) * time.Second
}

// HistoryConfig controls the dispatch history database
type HistoryConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	DBPath        string `json:"db_path" mapstructure:"db_path"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
}

// MetricsConfig controls the /metrics endpoint
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port: 7420,
			Host: "127.0.0.1",
		},
		Runtime: RuntimeConfig{
			HostVersion:      "1.0.0",
			ConfigDebounceMs: 300,
			ExecTimeoutMs:    5000,
			InstallTimeoutS:  120,
			GitBinary:        "git",
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate returns the first problem found by Validator.ValidateConfig.
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs[0])
	}
	return nil
}
