package plugin

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPluginNotFound is returned when a plugin ID is not registered.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrDuplicatePlugin is returned when a second plugin claims a registered ID.
	ErrDuplicatePlugin = errors.New("plugin already registered")

	// ErrPluginDisabled is returned when an operation needs a live backend.
	ErrPluginDisabled = errors.New("plugin is disabled")

	// ErrInvalidManifest is returned when plugin.json cannot be parsed or validated.
	ErrInvalidManifest = errors.New("invalid plugin manifest")

	// ErrNoGlobalSettings is returned for config operations on plugins without global settings.
	ErrNoGlobalSettings = errors.New("plugin has no global settings")

	// ErrInvalidSourceURL is returned when an install URL fails the scheme check.
	ErrInvalidSourceURL = errors.New("invalid source URL")

	// ErrCompanionNotConfigured is returned when no companion URL is set.
	ErrCompanionNotConfigured = errors.New("companion URL not configured")
)

// LoadError reports a backend that could not be instantiated.
type LoadError struct {
	PluginID string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load plugin %s: %v", e.PluginID, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ValidationError carries field-level schema violations.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.MessageKey)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
