package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateHostVersion checks that the host version is a semantic version.
func (v *Validator) ValidateHostVersion(version string) error {
	if _, err := semver.StrictNewVersion(version); err != nil {
		return fmt.Errorf("invalid host version %q: %w", version, err)
	}
	return nil
}

// ValidateCompanionURL accepts an empty URL or a ws/wss URL with a host.
func (v *Validator) ValidateCompanionURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid companion url: %w", err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("companion url must be ws:// or wss:// with a host, got %q", raw)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Logging.MaxSize < 0 {
		errors = append(errors, fmt.Errorf("logging.max_size must be >= 0"))
	}

	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errors = append(errors, fmt.Errorf("gateway: %w", err))
	}
	if strings.TrimSpace(cfg.Gateway.Host) == "" {
		errors = append(errors, fmt.Errorf("gateway.host is required"))
	}

	if err := v.ValidateHostVersion(cfg.Runtime.HostVersion); err != nil {
		errors = append(errors, fmt.Errorf("runtime: %w", err))
	}
	if cfg.Runtime.ConfigDebounceMs < 0 {
		errors = append(errors, fmt.Errorf("runtime.config_debounce_ms must be >= 0"))
	}
	if cfg.Runtime.ExecTimeoutMs < 0 {
		errors = append(errors, fmt.Errorf("runtime.exec_timeout_ms must be >= 0"))
	}
	if cfg.Runtime.InstallTimeoutS < 0 {
		errors = append(errors, fmt.Errorf("runtime.install_timeout_s must be >= 0"))
	}
	if err := v.ValidateCompanionURL(cfg.Runtime.CompanionURL); err != nil {
		errors = append(errors, fmt.Errorf("runtime: %w", err))
	}

	if cfg.History.RetentionDays < 0 {
		errors = append(errors, fmt.Errorf("history.retention_days must be >= 0"))
	}

	return errors
}
