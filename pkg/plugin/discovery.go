package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// reservedDirNames are directory names under the plugins root that never hold plugins.
var reservedDirNames = map[string]bool{
	"shared":          true,
	"plugin-template": true,
}

// ManifestStore owns the plugins root: manifest discovery and the persisted disabled set.
type ManifestStore struct {
	root     string
	logger   zerolog.Logger
	manifest *ManifestLoader
}

// NewManifestStore creates a store rooted at root
func NewManifestStore(root string, logger zerolog.Logger) *ManifestStore {
	return &ManifestStore{
		root:     root,
		logger:   logger.With().Str("component", "manifest-store").Logger(),
		manifest: NewManifestLoader(logger),
	}
}

// Root returns the plugins root directory.
func (s *ManifestStore) Root() string {
	return s.root
}

// PluginDir returns the directory for a plugin ID.
func (s *ManifestStore) PluginDir(id string) string {
	return filepath.Join(s.root, id)
}

// Discover scans the plugins root. A missing root yields an empty result.
// Manifests that fail to parse are returned with Err set so the caller can
// record them without aborting the scan.
func (s *ManifestStore) Discover() ([]DiscoveredPlugin, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug().Str("dir", s.root).Msg("Plugins directory does not exist, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugins directory %s: %w", s.root, err)
	}

	var discovered []DiscoveredPlugin
	for _, entry := range entries {
		name := entry.Name()
		if skipDirName(name) {
			continue
		}

		pluginDir := filepath.Join(s.root, name)
		info, err := os.Stat(pluginDir)
		if err != nil || !info.IsDir() {
			continue
		}

		manifestPath := filepath.Join(pluginDir, ManifestFileName)
		if _, err := os.Stat(manifestPath); err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn().Err(err).Str("dir", pluginDir).Msg("Failed to check for plugin.json")
			}
			continue
		}

		dp := DiscoveredPlugin{DirName: name, Path: pluginDir}
		dp.Manifest, dp.Err = s.manifest.LoadManifest(manifestPath)
		if dp.Err != nil {
			s.logger.Warn().Err(dp.Err).Str("dir", name).Msg("Skipping plugin with unreadable manifest")
		} else {
			s.logger.Debug().Str("id", dp.Manifest.ID).Str("dir", name).Msg("Discovered plugin")
		}
		discovered = append(discovered, dp)
	}

	s.logger.Info().Int("count", len(discovered)).Msg("Plugin discovery completed")
	return discovered, nil
}

// ReadManifest loads the manifest of a single plugin directory.
func (s *ManifestStore) ReadManifest(dirName string) (*Manifest, error) {
	return s.manifest.LoadManifest(filepath.Join(s.root, dirName, ManifestFileName))
}

func skipDirName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || reservedDirNames[name]
}
