package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestLoader_LoadManifest(t *testing.T) {
	loader := NewManifestLoader(zerolog.Nop())

	t.Run("loads minimal valid manifest", func(t *testing.T) {
		path := createManifestFile(t, `{
			"id": "hue",
			"version": "1.0.0",
			"author": "Test Author",
			"capabilities": {"hasGlobalSettings": false}
		}`)

		result, err := loader.LoadManifest(path)
		require.NoError(t, err)
		assert.Equal(t, "hue", result.ID)
		assert.Equal(t, "1.0.0", result.Version)
		assert.False(t, result.Capabilities.HasGlobalSettings)
		assert.Empty(t, result.BackendEntry)
	})

	t.Run("loads manifest with all optional fields", func(t *testing.T) {
		path := createManifestFile(t, `{
			"id": "home-assistant",
			"name": "Home Assistant",
			"version": "2.1.3",
			"author": "Test Author",
			"description": "Control your home",
			"backendEntry": "bin/backend",
			"backendProtocol": "rpc",
			"hostVersion": ">= 1.0.0",
			"capabilities": {"hasGlobalSettings": true, "hasActions": true, "hasConnectionTest": true},
			"globalConfigFileName": "ha.json",
			"configSchema": {"type": "object"},
			"actionSchema": {"type": "object"}
		}`)

		result, err := loader.LoadManifest(path)
		require.NoError(t, err)
		assert.Equal(t, ProtocolRPC, result.BackendProtocol)
		assert.Equal(t, "ha.json", result.GlobalConfigFileName)
		assert.True(t, result.Capabilities.HasConnectionTest)
		assert.JSONEq(t, `{"type": "object"}`, string(result.ConfigSchema))
	})

	invalid := []struct {
		name     string
		manifest string
	}{
		{"missing id", `{"version": "1.0.0", "author": "a", "capabilities": {"hasGlobalSettings": false}}`},
		{"missing author", `{"id": "x", "version": "1.0.0", "capabilities": {"hasGlobalSettings": false}}`},
		{"missing capabilities", `{"id": "x", "version": "1.0.0", "author": "a"}`},
		{"missing hasGlobalSettings", `{"id": "x", "version": "1.0.0", "author": "a", "capabilities": {}}`},
		{"bad version", `{"id": "x", "version": "one", "author": "a", "capabilities": {"hasGlobalSettings": false}}`},
		{"bad host constraint", `{"id": "x", "version": "1.0.0", "author": "a", "hostVersion": "banana", "capabilities": {"hasGlobalSettings": false}}`},
		{"unknown protocol", `{"id": "x", "version": "1.0.0", "author": "a", "backendProtocol": "wasm", "capabilities": {"hasGlobalSettings": false}}`},
		{"config file with path", `{"id": "x", "version": "1.0.0", "author": "a", "globalConfigFileName": "../evil.json", "capabilities": {"hasGlobalSettings": true}}`},
	}
	for _, tc := range invalid {
		t.Run("rejects "+tc.name, func(t *testing.T) {
			_, err := loader.LoadManifest(createManifestFile(t, tc.manifest))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := loader.LoadManifest(createManifestFile(t, `{"id": `))
		assert.ErrorIs(t, err, ErrInvalidManifest)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loader.LoadManifest(filepath.Join(t.TempDir(), "plugin.json"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalidManifest)
	})
}

func TestManifest_Protocol(t *testing.T) {
	assert.Equal(t, ProtocolBuiltin, (&Manifest{BackendEntry: "builtin:hue"}).protocol())
	assert.Equal(t, ProtocolExec, (&Manifest{BackendEntry: "bin/run"}).protocol())
	assert.Equal(t, ProtocolRPC, (&Manifest{BackendEntry: "bin/run", BackendProtocol: ProtocolRPC}).protocol())
}

func TestCheckHostVersion(t *testing.T) {
	host := semver.MustParse("1.4.0")

	assert.NoError(t, checkHostVersion(&Manifest{}, host))
	assert.NoError(t, checkHostVersion(&Manifest{HostVersion: "^1.2"}, host))
	assert.Error(t, checkHostVersion(&Manifest{HostVersion: ">= 2.0.0"}, host))
	assert.NoError(t, checkHostVersion(&Manifest{HostVersion: ">= 2.0.0"}, nil))
}

func TestManifest_Clone(t *testing.T) {
	m := &Manifest{ID: "a", ConfigSchema: []byte(`{"type":"object"}`)}
	c := m.Clone()
	c.ConfigSchema[0] = '['
	c.ID = "b"

	assert.Equal(t, "a", m.ID)
	assert.Equal(t, byte('{'), m.ConfigSchema[0])
}

func createManifestFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ManifestFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
