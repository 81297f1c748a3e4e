package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// ManifestLoader loads and validates plugin manifests
type ManifestLoader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewManifestLoader creates a new manifest loader
func NewManifestLoader(logger zerolog.Logger) *ManifestLoader {
	return &ManifestLoader{
		logger:       logger.With().Str("component", "manifest-loader").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(ManifestSchema),
	}
}

// LoadManifest reads plugin.json from path and validates it.
// Validation failures wrap ErrInvalidManifest.
func (m *ManifestLoader) LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	if err := m.validateSchema(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := validateManifest(manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	m.logger.Debug().
		Str("id", manifest.ID).
		Str("version", manifest.Version).
		Msg("Loaded manifest")

	return manifest, nil
}

func (m *ManifestLoader) validateSchema(data []byte) error {
	result, err := gojsonschema.Validate(m.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		msgs = append(msgs, re.String())
	}
	return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
}

func validateManifest(manifest *Manifest) error {
	if _, err := semver.NewVersion(manifest.Version); err != nil {
		return fmt.Errorf("invalid version %q: %v", manifest.Version, err)
	}

	if manifest.HostVersion != "" {
		if _, err := semver.NewConstraint(manifest.HostVersion); err != nil {
			return fmt.Errorf("invalid hostVersion constraint %q: %v", manifest.HostVersion, err)
		}
	}

	if manifest.Capabilities.HasGlobalSettings && manifest.GlobalConfigFileName != "" {
		if filepath.Base(manifest.GlobalConfigFileName) != manifest.GlobalConfigFileName {
			return fmt.Errorf("globalConfigFileName must be a bare file name: %s", manifest.GlobalConfigFileName)
		}
	}

	switch manifest.BackendProtocol {
	case "", ProtocolBuiltin, ProtocolExec, ProtocolRPC:
	default:
		return fmt.Errorf("unknown backend protocol: %s", manifest.BackendProtocol)
	}

	return nil
}

// ParseManifest parses a manifest from JSON bytes without schema validation.
func ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest JSON: %v", ErrInvalidManifest, err)
	}
	return &manifest, nil
}

// checkHostVersion reports whether host satisfies the manifest's hostVersion constraint.
func checkHostVersion(manifest *Manifest, host *semver.Version) error {
	if manifest.HostVersion == "" || host == nil {
		return nil
	}
	constraint, err := semver.NewConstraint(manifest.HostVersion)
	if err != nil {
		return fmt.Errorf("invalid hostVersion constraint %q: %w", manifest.HostVersion, err)
	}
	if !constraint.Check(host) {
		return fmt.Errorf("host version %s does not satisfy %s", host, manifest.HostVersion)
	}
	return nil
}
